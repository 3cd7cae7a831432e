package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/tapir/internal/config"
	"github.com/jmcleod/tapir/storage"
	bboltstorage "github.com/jmcleod/tapir/storage/bbolt"
	"github.com/jmcleod/tapir/storage/memory"
	pgstorage "github.com/jmcleod/tapir/storage/postgres"
	redisstorage "github.com/jmcleod/tapir/storage/redis"
)

// openStore opens the configured backend. The returned close function
// releases its connections.
func openStore(ctx context.Context, c config.Config) (storage.Store, func(), error) {
	switch c.Store {
	case config.StoreMemory:
		return memory.NewStore(), func() {}, nil
	case config.StoreBBolt:
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		s, err := bboltstorage.NewStoreFromFile(filepath.Join(c.DataDir, "sessions.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session storage: %w", err)
		}
		return s, func() { s.Close() }, nil
	case config.StorePostgres:
		s, err := pgstorage.NewStoreFromDSN(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreRedis:
		s, err := redisstorage.NewStoreFromURL(ctx, c.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", c.Store)
	}
}

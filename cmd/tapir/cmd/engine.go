package cmd

import (
	"context"

	"github.com/jmcleod/tapir/session"
)

// openEngine opens the configured store and builds an engine over it.
func openEngine(ctx context.Context) (*session.Engine, func(), error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	engine, err := session.New(store, cfg.Session, session.WithLogger(logger))
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return engine, func() {
		engine.Close()
		closeStore()
	}, nil
}

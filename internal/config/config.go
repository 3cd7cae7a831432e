// Package config loads process settings for the tapir binary from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jmcleod/tapir/session"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreBBolt    = "bbolt"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config is the full process configuration. Flags given on the command line
// override the values loaded here.
type Config struct {
	Session session.Config `envPrefix:"TAPIR_SESSION_"`

	Store       string `env:"TAPIR_STORE" envDefault:"memory"`
	DataDir     string `env:"TAPIR_DATA_DIR" envDefault:"./data"`
	PostgresDSN string `env:"TAPIR_POSTGRES_DSN"`
	RedisURL    string `env:"TAPIR_REDIS_URL"`

	// AllowUnsigned lets the server run without TAPIR_SESSION_SECRET, for
	// deployments that still exchange legacy unsigned credentials.
	AllowUnsigned bool `env:"TAPIR_ALLOW_UNSIGNED"`
	// GatewayToken, when set, must accompany every session creation request.
	GatewayToken string `env:"TAPIR_GATEWAY_TOKEN"`

	Port          int           `env:"TAPIR_PORT" envDefault:"8080"`
	SweepInterval time.Duration `env:"TAPIR_SWEEP_INTERVAL"`

	LogLevel  string `env:"TAPIR_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TAPIR_LOG_FORMAT" envDefault:"json"`
}

// Load reads the given .env files (default ".env") into the environment
// without overriding variables already set, then parses the environment.
// Missing .env files are not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings Load cannot check on its own.
func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	switch c.Store {
	case StoreMemory, StoreBBolt:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres store requires TAPIR_POSTGRES_DSN or --postgres-dsn")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("redis store requires TAPIR_REDIS_URL or --redis-url")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative, got %s", c.SweepInterval)
	}
	return nil
}

// Logger builds a slog.Logger writing to w in the configured format and level.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.LogFormat) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.LogFormat)
	}
}

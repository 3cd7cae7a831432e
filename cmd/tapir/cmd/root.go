package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tapir/internal/config"
)

var (
	envFile         string
	logLevel        string
	logFormat       string
	storeKind       string
	dataDir         string
	postgresDSN     string
	redisURL        string
	sessionDuration time.Duration
	cookieDelimiter string
)

// cfg and logger are populated before any subcommand runs.
var (
	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tapir",
	Short: "Tapir manages legacy sessions and permanent tokens",
	Long: `Tapir issues, resolves, reissues and invalidates the legacy application's
session cookies and permanent bearer tokens, backed by memory, bbolt,
PostgreSQL or Redis.

Settings come from TAPIR_* environment variables (optionally seeded from a
.env file); flags override them.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&envFile, "env-file", ".env", "Optional dotenv file to load before reading the environment")
	f.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	f.StringVar(&logFormat, "log-format", "", "Log format: json or text")
	f.StringVar(&storeKind, "store", "", "Session store: memory, bbolt, postgres or redis")
	f.StringVar(&dataDir, "data-dir", "", "Directory for the bbolt store")
	f.StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	f.StringVar(&redisURL, "redis-url", "", "Redis URL, e.g. redis://localhost:6379/0")
	f.DurationVar(&sessionDuration, "session-duration", 0, "Session lifetime after the last reissue")
	f.StringVar(&cookieDelimiter, "cookie-delimiter", "", "Credential field delimiter")
}

// loadConfig reads the environment and applies flags the user set
// explicitly.
func loadConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(envFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	overrides := []struct {
		name  string
		apply func()
	}{
		{"log-level", func() { cfg.LogLevel = logLevel }},
		{"log-format", func() { cfg.LogFormat = logFormat }},
		{"store", func() { cfg.Store = storeKind }},
		{"data-dir", func() { cfg.DataDir = dataDir }},
		{"postgres-dsn", func() { cfg.PostgresDSN = postgresDSN }},
		{"redis-url", func() { cfg.RedisURL = redisURL }},
		{"session-duration", func() { cfg.Session.Duration = sessionDuration }},
		{"cookie-delimiter", func() { cfg.Session.Delimiter = cookieDelimiter }},
		{"port", func() { cfg.Port = port }},
		{"sweep-interval", func() { cfg.SweepInterval = sweepInterval }},
		{"allow-unsigned", func() { cfg.AllowUnsigned = allowUnsigned }},
		{"gateway-token", func() { cfg.GatewayToken = gatewayToken }},
	}
	for _, o := range overrides {
		if flags.Lookup(o.name) != nil && flags.Changed(o.name) {
			o.apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err = cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

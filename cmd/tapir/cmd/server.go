package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/tapir/api"
	"github.com/jmcleod/tapir/internal/config"
	"github.com/jmcleod/tapir/session"
)

var (
	port           int
	tlsCert        string
	tlsKey         string
	trustedProxies []string
	sweepInterval  time.Duration
	allowUnsigned  bool
	gatewayToken   string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session API server",
	Long: `Serves the session API under /api/v1 for the gateway in front of the
legacy application. POST /api/v1/sessions creates a session for whatever
user the caller names, so it is meant for the gateway only: set
TAPIR_GATEWAY_TOKEN (or --gateway-token) and have the gateway send it in the
X-Tapir-Gateway-Token header.

Credentials are signed with TAPIR_SESSION_SECRET. Without a secret the server
refuses to start unless --allow-unsigned is given, because the
authorizations field of an unsigned credential cannot be verified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkServerSecurity(cfg, logger); err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		engine, err := session.New(store, cfg.Session,
			session.WithLogger(logger),
			session.WithMetrics(session.NewMetrics(reg)),
			session.WithAlertFunc(func(ev session.AlertEvent) {
				logger.Warn("security alert",
					"type", ev.Type,
					"count", ev.Count,
					"threshold", ev.Threshold)
			}),
		)
		if err != nil {
			return err
		}

		defer engine.Close()

		apiOpts := []api.Option{api.WithLogger(logger), api.WithGatewayToken(cfg.GatewayToken)}
		if len(trustedProxies) > 0 {
			opt, err := api.WithTrustedProxies(trustedProxies)
			if err != nil {
				return err
			}
			apiOpts = append(apiOpts, opt)
		}
		a := api.New(engine, apiOpts...)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if cfg.SweepInterval > 0 {
			go runSweeper(ctx, engine, cfg.SweepInterval)
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		out := cmd.OutOrStdout()
		printBanner(out)
		fmt.Fprintf(out, "Starting server on port %d (store: %s, session duration: %s)...\n",
			cfg.Port, cfg.Store, cfg.Session.Duration)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// checkServerSecurity refuses unsigned credentials unless they were allowed
// explicitly, and warns when session creation is open to any client.
func checkServerSecurity(c config.Config, log *slog.Logger) error {
	if c.Session.Secret == "" {
		if !c.AllowUnsigned {
			return errors.New("TAPIR_SESSION_SECRET is not set; set it, or pass --allow-unsigned to serve legacy unsigned credentials")
		}
		log.Warn("serving unsigned credentials: clients can change the authorizations carried in their own credential")
	}
	if c.GatewayToken == "" {
		log.Warn("TAPIR_GATEWAY_TOKEN is not set: any client that reaches the listener can create sessions")
	}
	return nil
}

// runSweeper closes expired sessions every interval until ctx is done.
func runSweeper(ctx context.Context, engine *session.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("session sweep failed", "error", err)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDRs whose forwarding headers are trusted")
	serverCmd.Flags().BoolVar(&allowUnsigned, "allow-unsigned", false, "Serve legacy unsigned credentials when no session secret is set")
	serverCmd.Flags().StringVar(&gatewayToken, "gateway-token", "", "Shared token the gateway must send to create sessions")
	serverCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "Close expired sessions this often (0 disables)")
}

// Package api exposes the session engine over HTTP so the gateway in front
// of the legacy application can create, resolve, reissue and invalidate
// sessions and manage permanent tokens without touching the store directly.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/tapir/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	engine         *session.Engine
	audit          *auditLogger
	bearerLimiter  *ipRateLimiter
	trustedProxies []netip.Prefix
	gatewayToken   string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithGatewayToken requires session creation requests to carry token in the
// X-Tapir-Gateway-Token header. An empty token leaves creation open.
func WithGatewayToken(token string) Option {
	return func(a *API) {
		a.gatewayToken = token
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For, Forwarded and
// X-Real-IP headers are believed when recording a session's address. Bare
// addresses are treated as single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(engine *session.Engine, opts ...Option) *API {
	a := &API{
		engine:        engine,
		bearerLimiter: newIPRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.With(a.GatewayMiddleware).Post("/sessions", a.CreateSession)
		// Invalidation must work on expired sessions, so it resolves nothing.
		r.Delete("/sessions/current", a.InvalidateSession)
		r.With(a.SessionMiddleware).Get("/sessions/current", a.GetCurrentSession)
		r.With(a.SessionMiddleware).Post("/sessions/current/reissue", a.ReissueSession)

		r.With(a.SessionMiddleware).Post("/tokens", a.IssueToken)
		r.With(a.BearerMiddleware).Get("/tokens/current", a.GetCurrentToken)
		r.Delete("/tokens/current", a.RevokeToken)
	})

	return r
}

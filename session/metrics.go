package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opCreate       = "create"
	opResolve      = "resolve"
	opReissue      = "reissue"
	opInvalidate   = "invalidate"
	opSweep        = "sweep"
	opIssueToken   = "issue"
	opAuthenticate = "authenticate"
	opRevokeToken  = "revoke"
)

// Metrics counts engine operations by outcome.
type Metrics struct {
	sessionOps *prometheus.CounterVec
	tokenOps   *prometheus.CounterVec
	swept      prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapir",
			Name:      "session_operations_total",
			Help:      "Session lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		tokenOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapir",
			Name:      "token_operations_total",
			Help:      "Permanent token operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tapir",
			Name:      "sessions_swept_total",
			Help:      "Expired sessions closed by the cleanup pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionOps, m.tokenOps, m.swept)
	}
	return m
}

func (m *Metrics) observeSession(op string, err error) {
	if m == nil {
		return
	}
	m.sessionOps.WithLabelValues(op, Outcome(err)).Inc()
}

func (m *Metrics) observeToken(op string, err error) {
	if m == nil {
		return
	}
	m.tokenOps.WithLabelValues(op, Outcome(err)).Inc()
}

func (m *Metrics) addSwept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.swept.Add(float64(n))
}

// Outcome classifies err into a short label: "ok", "malformed", "unknown",
// "expired", "invalidated", "unavailable" or "error".
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrUnknownToken):
		return "unknown"
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	case errors.Is(err, ErrSessionInvalidated):
		return "invalidated"
	case errors.Is(err, ErrCreateSession):
		return "unavailable"
	default:
		return "error"
	}
}

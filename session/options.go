package session

import "log/slog"

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock. Tests use it to control expiry.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger for lifecycle records. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records operation outcomes into m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithAlertFunc sets a callback invoked when malformed credentials or unknown
// token lookups spike.
func WithAlertFunc(fn AlertFunc) Option {
	return func(e *Engine) {
		e.alertFn = fn
	}
}

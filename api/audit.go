package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSessionCreated      AuditEvent = "session_created"
	AuditSessionCreateFailed AuditEvent = "session_create_failed"
	AuditSessionReissued     AuditEvent = "session_reissued"
	AuditSessionInvalidated  AuditEvent = "session_invalidated"
	AuditSessionRejected     AuditEvent = "session_rejected"
	AuditTokenIssued         AuditEvent = "token_issued"
	AuditTokenRevoked        AuditEvent = "token_revoked"
	AuditTokenRejected       AuditEvent = "token_rejected"
	AuditTokenRateLimited    AuditEvent = "token_rate_limited"
	AuditGatewayRejected     AuditEvent = "gateway_rejected"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Credentials and token secrets are
// never logged.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logEvent is a convenience for events tied to a user.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID int64, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.Int64("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected credential or failed operation.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

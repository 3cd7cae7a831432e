package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/tapir/session"
)

type contextKey int

const (
	sessionKey contextKey = iota
	tokenKey
)

// SessionHeader carries the session credential between the gateway and
// the API.
const SessionHeader = "X-Tapir-Session"

// GatewayTokenHeader carries the shared token that authorizes the gateway to
// create sessions.
const GatewayTokenHeader = "X-Tapir-Gateway-Token"

// sessionCookieName is the browser cookie the credential is mirrored into.
const sessionCookieName = "tapir_session"

var errMissingBearer = errors.New("missing bearer token")

// sessionCredential returns the credential from the session header, falling
// back to the session cookie.
func sessionCredential(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(SessionHeader)); v != "" {
		return v
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// SessionMiddleware resolves the request's session credential and stores the
// live session on the request context.
func (a *API) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred := sessionCredential(r)
		if cred == "" {
			writeError(w, http.StatusUnauthorized, "session credential required")
			return
		}
		s, err := a.engine.Resolve(r.Context(), cred)
		if err != nil {
			attrs := []slog.Attr{}
			if s != nil {
				attrs = append(attrs, slog.Int64("session_id", s.ID), slog.Int64("user_id", s.UserID))
			}
			a.audit.logFailure(AuditSessionRejected, r, session.Outcome(err), attrs...)
			writeSessionError(w, s, err, a.engine.Duration())
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GatewayMiddleware admits only requests carrying the configured gateway
// token. It passes everything through when no token is configured.
func (a *API) GatewayMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.gatewayToken != "" {
			got := r.Header.Get(GatewayTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(a.gatewayToken)) != 1 {
				a.audit.logFailure(AuditGatewayRejected, r, "invalid gateway token")
				writeError(w, http.StatusUnauthorized, "gateway token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// BearerMiddleware authenticates "Authorization: Bearer <user_id>-<secret>"
// against the permanent token store. Repeated failures from one client
// address are locked out with exponential backoff.
func (a *API) BearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if blocked, retryAfter := a.bearerLimiter.check(ip); blocked {
			a.audit.logFailure(AuditTokenRateLimited, r, "too many failures", slog.String("client_ip", ip))
			writeRateLimited(w, retryAfter)
			return
		}

		userID, secret, err := bearerFromRequest(r)
		if errors.Is(err, errMissingBearer) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if err != nil {
			a.bearerLimiter.recordFailure(ip)
			mapError(w, err)
			return
		}

		tok, err := a.engine.AuthenticateToken(r.Context(), userID, secret)
		if err != nil {
			if errors.Is(err, session.ErrUnknownToken) {
				a.bearerLimiter.recordFailure(ip)
			}
			a.audit.logFailure(AuditTokenRejected, r, session.Outcome(err),
				slog.Int64("user_id", userID),
				slog.String("client_ip", ip))
			mapError(w, err)
			return
		}
		a.bearerLimiter.recordSuccess(ip)

		ctx := context.WithValue(r.Context(), tokenKey, tok)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerFromRequest(r *http.Request) (int64, string, error) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, value, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return 0, "", errMissingBearer
	}
	return session.ParseBearer(strings.TrimSpace(value))
}

func writeSessionCookie(w http.ResponseWriter, r *http.Request, credential string, expiresAt time.Time) {
	secure := requestIsSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    credential,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	secure := requestIsSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func sessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}

func tokenFromContext(ctx context.Context) *session.PermanentToken {
	t, _ := ctx.Value(tokenKey).(*session.PermanentToken)
	return t
}

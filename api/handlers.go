package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/tapir/session"
)

const maxRequestBody = 64 << 10

// CreateSession handles POST /sessions.
func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Authorizations < 0 {
		writeError(w, http.StatusBadRequest, "authorizations must not be negative")
		return
	}
	ip := req.RemoteAddr
	if ip == "" {
		ip = a.extractClientIP(r)
	}

	user := session.User{UserID: req.UserID, Username: req.Username, Email: req.Email}
	s, cred, err := a.engine.Create(r.Context(), user, session.Authorizations{Classic: req.Authorizations},
		ip, req.RemoteHost, req.TrackingID)
	if err != nil {
		a.audit.logFailure(AuditSessionCreateFailed, r, session.Outcome(err), slog.Int64("user_id", req.UserID))
		mapError(w, err)
		return
	}

	view := newSessionView(s, a.engine.Duration())
	w.Header().Set(SessionHeader, cred)
	writeSessionCookie(w, r, cred, view.ExpiresAt)
	a.audit.logEvent(AuditSessionCreated, r, s.UserID,
		slog.Int64("session_id", s.ID),
		slog.String("session_addr", s.RemoteAddr))
	writeJSON(w, http.StatusCreated, CreateSessionResponse{Session: view, Credential: cred})
}

// GetCurrentSession handles GET /sessions/current.
func (a *API) GetCurrentSession(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, newSessionView(s, a.engine.Duration()))
}

// ReissueSession handles POST /sessions/current/reissue.
func (a *API) ReissueSession(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	cred, err := a.engine.Reissue(r.Context(), s)
	if err != nil {
		a.audit.logFailure(AuditSessionRejected, r, session.Outcome(err), slog.Int64("session_id", s.ID))
		mapError(w, err)
		return
	}
	expiresAt := s.ExpiresAt(a.engine.Duration())
	w.Header().Set(SessionHeader, cred)
	writeSessionCookie(w, r, cred, expiresAt)
	a.audit.logEvent(AuditSessionReissued, r, s.UserID, slog.Int64("session_id", s.ID))
	writeJSON(w, http.StatusOK, ReissueResponse{Credential: cred, ExpiresAt: expiresAt})
}

// InvalidateSession handles DELETE /sessions/current. Repeating it is
// harmless.
func (a *API) InvalidateSession(w http.ResponseWriter, r *http.Request) {
	cred := sessionCredential(r)
	if cred == "" {
		writeError(w, http.StatusUnauthorized, "session credential required")
		return
	}
	if err := a.engine.Invalidate(r.Context(), cred); err != nil {
		a.audit.logFailure(AuditSessionRejected, r, session.Outcome(err))
		mapError(w, err)
		return
	}
	clearSessionCookie(w, r)
	a.audit.log(AuditSessionInvalidated, r)
	w.WriteHeader(http.StatusNoContent)
}

// IssueToken handles POST /tokens.
func (a *API) IssueToken(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	secret, err := a.engine.IssueToken(r.Context(), s)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTokenIssued, r, s.UserID, slog.Int64("session_id", s.ID))
	writeJSON(w, http.StatusCreated, IssueTokenResponse{Token: session.FormatBearer(s.UserID, secret)})
}

// GetCurrentToken handles GET /tokens/current.
func (a *API) GetCurrentToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newTokenView(tokenFromContext(r.Context())))
}

// RevokeToken handles DELETE /tokens/current. Revoking a revoked token
// succeeds.
func (a *API) RevokeToken(w http.ResponseWriter, r *http.Request) {
	userID, secret, err := bearerFromRequest(r)
	if errors.Is(err, errMissingBearer) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.engine.RevokeToken(r.Context(), userID, secret); err != nil {
		a.audit.logFailure(AuditTokenRejected, r, session.Outcome(err), slog.Int64("user_id", userID))
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTokenRevoked, r, userID)
	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"time"

	"github.com/jmcleod/tapir/session"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionErrorResponse is returned when a credential names an expired or
// invalidated session.
type SessionErrorResponse struct {
	Error   string       `json:"error"`
	Session *SessionView `json:"session,omitempty"`
}

// CreateSessionRequest is the JSON body for POST /sessions.
type CreateSessionRequest struct {
	UserID         int64  `json:"user_id"`
	Username       string `json:"username,omitempty"`
	Email          string `json:"email,omitempty"`
	Authorizations int    `json:"authorizations"`
	// RemoteAddr defaults to the client address of the request.
	RemoteAddr string `json:"remote_addr,omitempty"`
	RemoteHost string `json:"remote_host,omitempty"`
	TrackingID string `json:"tracking_id,omitempty"`
}

// CreateSessionResponse is returned from POST /sessions.
type CreateSessionResponse struct {
	Session    SessionView `json:"session"`
	Credential string      `json:"credential"`
}

// ReissueResponse is returned from POST /sessions/current/reissue.
type ReissueResponse struct {
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SessionView is the JSON form of a session.
type SessionView struct {
	SessionID      int64      `json:"session_id"`
	UserID         int64      `json:"user_id"`
	StartTime      time.Time  `json:"start_time"`
	LastReissue    time.Time  `json:"last_reissue"`
	ExpiresAt      time.Time  `json:"expires_at"`
	State          string     `json:"state"`
	InvalidatedAt  *time.Time `json:"invalidated_at,omitempty"`
	RemoteAddr     string     `json:"remote_addr"`
	RemoteHost     string     `json:"remote_host,omitempty"`
	TrackingCookie string     `json:"tracking_cookie"`
	Authorizations int        `json:"authorizations"`
}

func newSessionView(s *session.Session, duration time.Duration) SessionView {
	v := SessionView{
		SessionID:      s.ID,
		UserID:         s.UserID,
		StartTime:      s.StartTime,
		LastReissue:    s.LastReissue,
		ExpiresAt:      s.ExpiresAt(duration),
		State:          "active",
		RemoteAddr:     s.RemoteAddr,
		RemoteHost:     s.RemoteHost,
		TrackingCookie: s.TrackingCookie,
		Authorizations: s.Authorizations.Classic,
	}
	if at, ok := s.State.InvalidatedAt(); ok {
		v.State = "invalidated"
		v.InvalidatedAt = &at
	}
	return v
}

// IssueTokenResponse is returned from POST /tokens. Token is the value to
// send as "Authorization: Bearer <token>".
type IssueTokenResponse struct {
	Token string `json:"token"`
}

// TokenView describes an authenticated permanent token. The secret is never
// echoed back.
type TokenView struct {
	UserID     int64     `json:"user_id"`
	Valid      bool      `json:"valid"`
	IssuedAt   time.Time `json:"issued_at"`
	IssuedTo   string    `json:"issued_to"`
	RemoteHost string    `json:"remote_host,omitempty"`
	SessionID  int64     `json:"session_id,omitempty"`
}

func newTokenView(t *session.PermanentToken) TokenView {
	return TokenView{
		UserID:     t.UserID,
		Valid:      t.Valid,
		IssuedAt:   t.IssuedAt,
		IssuedTo:   t.IssuedTo,
		RemoteHost: t.RemoteHost,
		SessionID:  t.SessionID,
	}
}

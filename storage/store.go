// Package storage provides the persistence abstraction for session and
// permanent-token records.
//
// Records keep the legacy integer encodings of the tapir tables: times are
// epoch seconds, a zero EndTime marks an active session and Valid is 0 or 1.
// Translating those into domain types is the caller's job.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a session or token record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when inserting a record whose key already exists.
	ErrConflict = errors.New("record already exists")
)

// SessionRecord is a row of the sessions table.
type SessionRecord struct {
	SessionID      int64  `json:"session_id"`
	UserID         int64  `json:"user_id"`
	StartTime      int64  `json:"start_time"`
	LastReissue    int64  `json:"last_reissue"`
	EndTime        int64  `json:"end_time"`
	RemoteAddr     string `json:"remote_addr"`
	RemoteHost     string `json:"remote_host"`
	TrackingCookie string `json:"tracking_cookie"`
}

// Clone returns a copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// TokenRecord is a row of the permanent tokens table, keyed by (UserID, Secret).
type TokenRecord struct {
	UserID     int64  `json:"user_id"`
	Secret     string `json:"secret"`
	Valid      int    `json:"valid"`
	IssuedWhen int64  `json:"issued_when"`
	IssuedTo   string `json:"issued_to"`
	RemoteHost string `json:"remote_host"`
	SessionID  int64  `json:"session_id"`
}

// Clone returns a copy of the record.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Store persists session and token records.
//
// UpdateSession and UpdateToken perform an atomic read-modify-write: fn is
// called with the current record inside the backend's transaction and any
// changes it makes are written back. If fn returns an error nothing is
// written and that error is returned unchanged.
type Store interface {
	// CreateSession inserts rec and assigns rec.SessionID.
	CreateSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, sessionID int64) (*SessionRecord, error)
	UpdateSession(ctx context.Context, sessionID int64, fn func(rec *SessionRecord) error) (*SessionRecord, error)
	// ListStaleSessions returns the ids of active sessions (EndTime == 0)
	// whose LastReissue is strictly before cutoff.
	ListStaleSessions(ctx context.Context, cutoff int64) ([]int64, error)

	CreateToken(ctx context.Context, rec *TokenRecord) error
	GetToken(ctx context.Context, userID int64, secret string) (*TokenRecord, error)
	UpdateToken(ctx context.Context, userID int64, secret string, fn func(rec *TokenRecord) error) (*TokenRecord, error)
}

// Package session implements the lifecycle of legacy browser sessions and
// permanent bearer tokens: issuing tamper-evident credentials, resolving them
// against the store with expiry and revocation rules, sliding the expiry
// window on reissue, and revoking.
//
// The Engine keeps no per-session state of its own. Every operation reads or
// writes through a storage.Store, so any number of engines may share one
// store.
package session

import (
	"fmt"
	"time"

	"github.com/jmcleod/tapir/storage"
)

// User identifies the account a session belongs to.
type User struct {
	UserID   int64
	Username string
	Email    string
}

// Authorizations is the capability level carried inside a credential. The
// engine passes it through without interpreting it.
type Authorizations struct {
	Classic int
}

// State is the stored lifecycle state of a session: active, or invalidated at
// a given time. Expiry is not a stored state; see Engine.Resolve.
type State struct {
	invalidatedAt time.Time
}

// Active returns the state of a session that has not been invalidated.
func Active() State {
	return State{}
}

// Invalidated returns the state of a session invalidated at t.
func Invalidated(t time.Time) State {
	return State{invalidatedAt: t}
}

// IsActive reports whether the session has not been invalidated.
func (s State) IsActive() bool {
	return s.invalidatedAt.IsZero()
}

// InvalidatedAt returns the invalidation time and true, or false when active.
func (s State) InvalidatedAt() (time.Time, bool) {
	return s.invalidatedAt, !s.invalidatedAt.IsZero()
}

func (s State) String() string {
	if s.IsActive() {
		return "active"
	}
	return fmt.Sprintf("invalidated at %d", s.invalidatedAt.Unix())
}

// stateFromEndTime maps the legacy end_time column (0 = active) to a State.
func stateFromEndTime(endTime int64) State {
	if endTime == 0 {
		return Active()
	}
	return Invalidated(time.Unix(endTime, 0).UTC())
}

// Session is an authenticated browser visit.
type Session struct {
	ID             int64
	UserID         int64
	StartTime      time.Time
	LastReissue    time.Time
	State          State
	RemoteAddr     string
	RemoteHost     string
	TrackingCookie string
	// Authorizations come from the credential the session was resolved
	// from; they are not persisted with the session row.
	Authorizations Authorizations
}

// ExpiresAt returns the instant after which the session stops resolving
// unless it is reissued first.
func (s *Session) ExpiresAt(duration time.Duration) time.Time {
	return s.LastReissue.Add(duration)
}

// credential returns the credential fields s was resolved from.
func (s *Session) credential() Credential {
	return Credential{
		SessionID:      s.ID,
		UserID:         s.UserID,
		IP:             s.RemoteAddr,
		StartTime:      s.StartTime.Unix(),
		Authorizations: s.Authorizations,
	}
}

func sessionFromRecord(rec *storage.SessionRecord, auths Authorizations) *Session {
	return &Session{
		ID:             rec.SessionID,
		UserID:         rec.UserID,
		StartTime:      time.Unix(rec.StartTime, 0).UTC(),
		LastReissue:    time.Unix(rec.LastReissue, 0).UTC(),
		State:          stateFromEndTime(rec.EndTime),
		RemoteAddr:     rec.RemoteAddr,
		RemoteHost:     rec.RemoteHost,
		TrackingCookie: rec.TrackingCookie,
		Authorizations: auths,
	}
}

// PermanentToken is a long-lived bearer secret bound to a user. It has no
// expiry and stays usable until revoked.
type PermanentToken struct {
	UserID     int64
	Secret     string
	Valid      bool
	IssuedAt   time.Time
	IssuedTo   string
	RemoteHost string
	// SessionID is the session that minted the token, or 0.
	SessionID int64
}

func tokenFromRecord(rec *storage.TokenRecord) *PermanentToken {
	return &PermanentToken{
		UserID:     rec.UserID,
		Secret:     rec.Secret,
		Valid:      rec.Valid != 0,
		IssuedAt:   time.Unix(rec.IssuedWhen, 0).UTC(),
		IssuedTo:   rec.IssuedTo,
		RemoteHost: rec.RemoteHost,
		SessionID:  rec.SessionID,
	}
}

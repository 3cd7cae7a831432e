package session

import "errors"

var (
	// ErrMalformedCredential indicates a credential that could not be decoded
	// or failed its integrity check. The store is never consulted.
	ErrMalformedCredential = errors.New("malformed credential")
	// ErrUnknownSession indicates a well-formed credential referencing a
	// session that does not exist.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionExpired indicates the session exists but was not reissued
	// within the configured duration.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionInvalidated indicates the session exists but was explicitly
	// invalidated.
	ErrSessionInvalidated = errors.New("session invalidated")
	// ErrCreateSession indicates the store rejected a new session.
	ErrCreateSession = errors.New("failed to create session")
	// ErrUnknownToken indicates no valid permanent token matches the user and
	// secret.
	ErrUnknownToken = errors.New("unknown token")
)

var errCodecClosed = errors.New("credential codec closed")

// errUnchanged aborts a store update that has nothing to write.
var errUnchanged = errors.New("record unchanged")

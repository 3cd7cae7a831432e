package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmcleod/tapir/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrMalformedCredential):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnknownToken),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrSessionInvalidated):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrCreateSession):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		// Store errors may carry connection details.
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}

// writeSessionError reports a failed resolve. Expired and invalidated
// sessions are echoed back so the caller can tell why it was logged out.
func writeSessionError(w http.ResponseWriter, s *session.Session, err error, duration time.Duration) {
	if s == nil {
		mapError(w, err)
		return
	}
	view := newSessionView(s, duration)
	writeJSON(w, statusFor(err), SessionErrorResponse{Error: err.Error(), Session: &view})
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jmcleod/tapir/internal/util"
	"github.com/jmcleod/tapir/internal/uuid"
	"github.com/jmcleod/tapir/storage"
)

// Engine issues, resolves, reissues and invalidates sessions and manages
// permanent tokens. It is safe for concurrent use; atomicity of each
// read-modify-write comes from the store.
type Engine struct {
	store    storage.Store
	codec    *Codec
	duration int64 // seconds
	clock    Clock
	logger   *slog.Logger
	metrics  *Metrics
	alertFn  AlertFunc
	monitor  *failureMonitor
}

// New returns an Engine over store. cfg is validated; the zero Config is not
// valid, start from DefaultConfig.
func New(store storage.Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := NewCodec(cfg.Delimiter, []byte(cfg.Secret))
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:    store,
		codec:    codec,
		duration: int64(cfg.Duration / time.Second),
		clock:    SystemClock,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "session")
	e.monitor = newFailureMonitor(e.alertFn)
	return e, nil
}

// Duration returns the configured session lifetime.
func (e *Engine) Duration() time.Duration {
	return time.Duration(e.duration) * time.Second
}

// Close releases the codec's signing key. The engine must not be used
// afterwards.
func (e *Engine) Close() {
	e.codec.Close()
}

// Codec returns the credential codec the engine encodes with.
func (e *Engine) Codec() *Codec {
	return e.codec
}

func (e *Engine) now() int64 {
	return e.clock.Now().Unix()
}

// Create records a new session for user and returns it with its credential.
// hostname is normalized; an empty trackingID is replaced with a fresh one.
// Store failures are reported as ErrCreateSession.
func (e *Engine) Create(ctx context.Context, user User, auths Authorizations, ip, hostname, trackingID string) (*Session, string, error) {
	s, cred, err := e.create(ctx, user, auths, ip, hostname, trackingID)
	e.metrics.observeSession(opCreate, err)
	return s, cred, err
}

func (e *Engine) create(ctx context.Context, user User, auths Authorizations, ip, hostname, trackingID string) (*Session, string, error) {
	if user.UserID <= 0 {
		return nil, "", fmt.Errorf("%w: invalid user id %d", ErrCreateSession, user.UserID)
	}
	if auths.Classic < 0 {
		return nil, "", fmt.Errorf("%w: negative authorizations %d", ErrCreateSession, auths.Classic)
	}
	if trackingID == "" {
		trackingID = uuid.New()
	}
	now := e.now()
	rec := &storage.SessionRecord{
		UserID:         user.UserID,
		StartTime:      now,
		LastReissue:    now,
		RemoteAddr:     ip,
		RemoteHost:     util.NormalizeHost(hostname),
		TrackingCookie: trackingID,
	}
	if err := e.store.CreateSession(ctx, rec); err != nil {
		e.logger.Error("session insert failed", "user_id", user.UserID, "error", err)
		return nil, "", fmt.Errorf("%w: %w", ErrCreateSession, err)
	}
	cred, err := e.codec.Encode(Credential{
		SessionID:      rec.SessionID,
		UserID:         rec.UserID,
		IP:             rec.RemoteAddr,
		StartTime:      rec.StartTime,
		Authorizations: auths,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrCreateSession, err)
	}
	e.logger.Info("session created",
		slog.Int64("session_id", rec.SessionID),
		slog.Int64("user_id", rec.UserID),
		slog.String("remote_addr", rec.RemoteAddr))
	return sessionFromRecord(rec, auths), cred, nil
}

// Resolve decodes credential and loads its session.
//
// The checks run in order and stop at the first failure:
//   - the credential does not decode: ErrMalformedCredential, no store access
//   - no row, or the user, ip or start time differ from the row: ErrUnknownSession
//   - the row is invalidated: the session and ErrSessionInvalidated
//   - now - last_reissue exceeds the duration: the session and ErrSessionExpired
//
// A session is still valid at exactly last_reissue + duration.
func (e *Engine) Resolve(ctx context.Context, credential string) (*Session, error) {
	s, err := e.resolve(ctx, credential)
	e.metrics.observeSession(opResolve, err)
	return s, err
}

func (e *Engine) resolve(ctx context.Context, credential string) (*Session, error) {
	cred, err := e.decode(credential)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.GetSession(ctx, cred.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("session %d: %w", cred.SessionID, ErrUnknownSession)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %d: %w", cred.SessionID, err)
	}
	if !matchesRecord(cred, rec) {
		return nil, fmt.Errorf("session %d: %w", cred.SessionID, ErrUnknownSession)
	}
	s := sessionFromRecord(rec, cred.Authorizations)
	if err := e.checkLive(rec, e.now()); err != nil {
		return s, err
	}
	return s, nil
}

func (e *Engine) decode(credential string) (Credential, error) {
	cred, err := e.codec.Decode(credential)
	if err != nil {
		e.logger.Debug("credential rejected", "error", err)
		e.monitor.recordMalformed(e.clock.Now())
	}
	return cred, err
}

// matchesRecord reports whether the fields cred shares with rec agree.
// Unsigned credentials can be edited by the client, so only the session id
// is trusted to locate the row.
func matchesRecord(cred Credential, rec *storage.SessionRecord) bool {
	return cred.UserID == rec.UserID &&
		cred.StartTime == rec.StartTime &&
		cred.IP == rec.RemoteAddr
}

// checkLive reports whether rec may still be used at now.
func (e *Engine) checkLive(rec *storage.SessionRecord, now int64) error {
	if rec.EndTime != 0 {
		return fmt.Errorf("session %d: %w", rec.SessionID, ErrSessionInvalidated)
	}
	if now-rec.LastReissue > e.duration {
		return fmt.Errorf("session %d: %w", rec.SessionID, ErrSessionExpired)
	}
	return nil
}

// Reissue slides the session's expiry window to now and returns a fresh
// credential with the same start time. The stored row is re-read and
// re-checked under the store's update lock, so a concurrent Invalidate is
// never undone.
func (e *Engine) Reissue(ctx context.Context, s *Session) (string, error) {
	cred, err := e.reissue(ctx, s)
	e.metrics.observeSession(opReissue, err)
	return cred, err
}

func (e *Engine) reissue(ctx context.Context, s *Session) (string, error) {
	if s == nil {
		return "", errors.New("reissue: nil session")
	}
	now := e.now()
	rec, err := e.store.UpdateSession(ctx, s.ID, func(rec *storage.SessionRecord) error {
		if !matchesRecord(s.credential(), rec) {
			return fmt.Errorf("session %d: %w", s.ID, ErrUnknownSession)
		}
		if err := e.checkLive(rec, now); err != nil {
			return err
		}
		rec.LastReissue = now
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("session %d: %w", s.ID, ErrUnknownSession)
	}
	if err != nil {
		return "", err
	}
	cred, err := e.codec.Encode(Credential{
		SessionID:      rec.SessionID,
		UserID:         rec.UserID,
		IP:             rec.RemoteAddr,
		StartTime:      rec.StartTime,
		Authorizations: s.Authorizations,
	})
	if err != nil {
		return "", err
	}
	s.LastReissue = time.Unix(rec.LastReissue, 0).UTC()
	s.State = Active()
	e.logger.Debug("session reissued", "session_id", rec.SessionID, "user_id", rec.UserID)
	return cred, nil
}

// Invalidate ends the session named by credential. It is idempotent: an
// already invalidated session keeps its original end time. An expired but
// not yet invalidated session is closed at now.
func (e *Engine) Invalidate(ctx context.Context, credential string) error {
	err := e.invalidateCredential(ctx, credential)
	e.metrics.observeSession(opInvalidate, err)
	return err
}

func (e *Engine) invalidateCredential(ctx context.Context, credential string) error {
	cred, err := e.decode(credential)
	if err != nil {
		return err
	}
	return e.invalidate(ctx, cred.SessionID, &cred)
}

// InvalidateSession ends a session by id, for administrative logout.
func (e *Engine) InvalidateSession(ctx context.Context, sessionID int64) error {
	err := e.invalidate(ctx, sessionID, nil)
	e.metrics.observeSession(opInvalidate, err)
	return err
}

// invalidate closes sessionID at now. A nil cred skips the match against
// the row.
func (e *Engine) invalidate(ctx context.Context, sessionID int64, cred *Credential) error {
	now := e.now()
	closed, err := e.end(ctx, sessionID, func(rec *storage.SessionRecord) (int64, error) {
		if cred != nil && !matchesRecord(*cred, rec) {
			return 0, fmt.Errorf("session %d: %w", sessionID, ErrUnknownSession)
		}
		return max(now, rec.StartTime, 1), nil
	})
	if err != nil {
		return err
	}
	if closed {
		e.logger.Info("session invalidated", slog.Int64("session_id", sessionID))
	}
	return nil
}

// end sets end_time on an active session to the value chosen by endAt.
// It reports whether the row changed; an already ended row is left alone.
func (e *Engine) end(ctx context.Context, sessionID int64, endAt func(rec *storage.SessionRecord) (int64, error)) (bool, error) {
	_, err := e.store.UpdateSession(ctx, sessionID, func(rec *storage.SessionRecord) error {
		t, err := endAt(rec)
		if err != nil {
			return err
		}
		if rec.EndTime != 0 {
			return errUnchanged
		}
		rec.EndTime = t
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("session %d: %w", sessionID, ErrUnknownSession)
	case err != nil:
		return false, err
	}
	return true, nil
}

// SweepExpired closes every session that has outlived the duration,
// recording end_time as the moment it expired. It returns the number of
// sessions closed; failures on individual sessions do not stop the pass and
// are returned together.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	n, err := e.sweep(ctx)
	e.metrics.observeSession(opSweep, err)
	e.metrics.addSwept(n)
	return n, err
}

func (e *Engine) sweep(ctx context.Context) (int, error) {
	now := e.now()
	ids, err := e.store.ListStaleSessions(ctx, now-e.duration)
	if err != nil {
		return 0, fmt.Errorf("listing stale sessions: %w", err)
	}
	var result *multierror.Error
	closed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		ok, err := e.end(ctx, id, func(rec *storage.SessionRecord) (int64, error) {
			// Reissued since the listing.
			if now-rec.LastReissue <= e.duration {
				return 0, errUnchanged
			}
			return max(rec.LastReissue+e.duration, rec.StartTime, 1), nil
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("closing session %d: %w", id, err))
			continue
		}
		if ok {
			closed++
		}
	}
	if closed > 0 {
		e.logger.Info("expired sessions closed", "count", closed)
	}
	return closed, result.ErrorOrNil()
}

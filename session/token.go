package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jmcleod/tapir/internal/util"
	"github.com/jmcleod/tapir/storage"
)

// tokenSecretLength is the number of base62 characters in a token secret.
const tokenSecretLength = 32

// IssueToken mints a permanent token for the user of s. The session row is
// re-read first: unknown, invalidated and expired sessions cannot mint
// tokens, and the issuing address is taken from the row. A user may hold any
// number of tokens.
func (e *Engine) IssueToken(ctx context.Context, s *Session) (string, error) {
	secret, err := e.issueToken(ctx, s)
	e.metrics.observeToken(opIssueToken, err)
	return secret, err
}

func (e *Engine) issueToken(ctx context.Context, s *Session) (string, error) {
	if s == nil {
		return "", errors.New("issue token: nil session")
	}
	rec, err := e.store.GetSession(ctx, s.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("session %d: %w", s.ID, ErrUnknownSession)
	}
	if err != nil {
		return "", fmt.Errorf("loading session %d: %w", s.ID, err)
	}
	if !matchesRecord(s.credential(), rec) {
		return "", fmt.Errorf("session %d: %w", s.ID, ErrUnknownSession)
	}
	now := e.now()
	if err := e.checkLive(rec, now); err != nil {
		return "", err
	}
	secret, err := util.RandomToken(tokenSecretLength)
	if err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	tok := &storage.TokenRecord{
		UserID:     rec.UserID,
		Secret:     secret,
		Valid:      1,
		IssuedWhen: now,
		IssuedTo:   rec.RemoteAddr,
		RemoteHost: rec.RemoteHost,
		SessionID:  rec.SessionID,
	}
	if err := e.store.CreateToken(ctx, tok); err != nil {
		return "", fmt.Errorf("storing permanent token: %w", err)
	}
	e.logger.Info("permanent token issued",
		slog.Int64("user_id", rec.UserID),
		slog.Int64("session_id", rec.SessionID),
		slog.String("issued_to", rec.RemoteAddr))
	return secret, nil
}

// AuthenticateToken returns the token matching userID and secret. A missing
// or revoked token yields ErrUnknownToken.
func (e *Engine) AuthenticateToken(ctx context.Context, userID int64, secret string) (*PermanentToken, error) {
	tok, err := e.authenticateToken(ctx, userID, secret)
	e.metrics.observeToken(opAuthenticate, err)
	if errors.Is(err, ErrUnknownToken) {
		e.monitor.recordTokenMiss(e.clock.Now())
	}
	return tok, err
}

func (e *Engine) authenticateToken(ctx context.Context, userID int64, secret string) (*PermanentToken, error) {
	if userID <= 0 || secret == "" {
		return nil, fmt.Errorf("token for user %d: %w", userID, ErrUnknownToken)
	}
	rec, err := e.store.GetToken(ctx, userID, secret)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("token for user %d: %w", userID, ErrUnknownToken)
	}
	if err != nil {
		return nil, fmt.Errorf("loading token for user %d: %w", userID, err)
	}
	if rec.Valid == 0 {
		return nil, fmt.Errorf("token for user %d revoked: %w", userID, ErrUnknownToken)
	}
	return tokenFromRecord(rec), nil
}

// RevokeToken marks the token invalid. Revoking an already revoked token is
// a no-op; an unknown token yields ErrUnknownToken.
func (e *Engine) RevokeToken(ctx context.Context, userID int64, secret string) error {
	err := e.revokeToken(ctx, userID, secret)
	e.metrics.observeToken(opRevokeToken, err)
	return err
}

func (e *Engine) revokeToken(ctx context.Context, userID int64, secret string) error {
	_, err := e.store.UpdateToken(ctx, userID, secret, func(rec *storage.TokenRecord) error {
		if rec.Valid == 0 {
			return errUnchanged
		}
		rec.Valid = 0
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("token for user %d: %w", userID, ErrUnknownToken)
	case err != nil:
		return err
	}
	e.logger.Info("permanent token revoked", slog.Int64("user_id", userID))
	return nil
}

// FormatBearer renders the value clients send as "Authorization: Bearer ...".
func FormatBearer(userID int64, secret string) string {
	return strconv.FormatInt(userID, 10) + "-" + secret
}

// ParseBearer splits a bearer value produced by FormatBearer.
func ParseBearer(v string) (int64, string, error) {
	uid, secret, ok := strings.Cut(v, "-")
	if !ok {
		return 0, "", fmt.Errorf("%w: bearer token missing separator", ErrMalformedCredential)
	}
	userID, ok := parseDecimal(uid)
	if !ok || userID == 0 {
		return 0, "", fmt.Errorf("%w: invalid bearer user id %q", ErrMalformedCredential, uid)
	}
	if secret == "" {
		return 0, "", fmt.Errorf("%w: empty bearer secret", ErrMalformedCredential)
	}
	for i := 0; i < len(secret); i++ {
		c := secret[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return 0, "", fmt.Errorf("%w: bearer secret is not base62", ErrMalformedCredential)
		}
	}
	return userID, secret, nil
}

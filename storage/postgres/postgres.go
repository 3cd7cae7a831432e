// Package postgres implements storage.Store backed by PostgreSQL.
//
// The tables mirror the legacy tapir_sessions and tapir_permanent_tokens
// layouts: times are BIGINT epoch seconds, end_time = 0 marks an active
// session and valid is a SMALLINT flag. Read-modify-write updates lock the
// row with SELECT ... FOR UPDATE inside a transaction.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/tapir/storage"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the session and token tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const sessionColumns = `session_id, user_id, start_time, last_reissue, end_time, remote_addr, remote_host, tracking_cookie`

const tokenColumns = `user_id, secret, valid, issued_when, issued_to, remote_host, session_id`

func scanSession(row pgx.Row) (*storage.SessionRecord, error) {
	var rec storage.SessionRecord
	err := row.Scan(&rec.SessionID, &rec.UserID, &rec.StartTime, &rec.LastReissue,
		&rec.EndTime, &rec.RemoteAddr, &rec.RemoteHost, &rec.TrackingCookie)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanToken(row pgx.Row) (*storage.TokenRecord, error) {
	var rec storage.TokenRecord
	err := row.Scan(&rec.UserID, &rec.Secret, &rec.Valid, &rec.IssuedWhen,
		&rec.IssuedTo, &rec.RemoteHost, &rec.SessionID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) CreateSession(ctx context.Context, rec *storage.SessionRecord) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO tapir_sessions (user_id, start_time, last_reissue, end_time, remote_addr, remote_host, tracking_cookie)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING session_id`,
		rec.UserID, rec.StartTime, rec.LastReissue, rec.EndTime,
		rec.RemoteAddr, rec.RemoteHost, rec.TrackingCookie).Scan(&rec.SessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID int64) (*storage.SessionRecord, error) {
	rec, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM tapir_sessions WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) UpdateSession(ctx context.Context, sessionID int64, fn func(rec *storage.SessionRecord) error) (*storage.SessionRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM tapir_sessions WHERE session_id = $1 FOR UPDATE`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.SessionID = sessionID

	_, err = tx.Exec(ctx,
		`UPDATE tapir_sessions
		 SET user_id = $2, start_time = $3, last_reissue = $4, end_time = $5,
		     remote_addr = $6, remote_host = $7, tracking_cookie = $8
		 WHERE session_id = $1`,
		rec.SessionID, rec.UserID, rec.StartTime, rec.LastReissue, rec.EndTime,
		rec.RemoteAddr, rec.RemoteHost, rec.TrackingCookie)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListStaleSessions(ctx context.Context, cutoff int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id FROM tapir_sessions
		 WHERE end_time = 0 AND last_reissue < $1
		 ORDER BY session_id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CreateToken(ctx context.Context, rec *storage.TokenRecord) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO tapir_permanent_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, secret) DO NOTHING`,
		rec.UserID, rec.Secret, rec.Valid, rec.IssuedWhen,
		rec.IssuedTo, rec.RemoteHost, rec.SessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token for user %d: %w", rec.UserID, storage.ErrConflict)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, userID int64, secret string) (*storage.TokenRecord, error) {
	rec, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tapir_permanent_tokens WHERE user_id = $1 AND secret = $2`,
		userID, secret))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("token for user %d: %w", userID, storage.ErrNotFound)
	}
	return rec, err
}

func (s *Store) UpdateToken(ctx context.Context, userID int64, secret string, fn func(rec *storage.TokenRecord) error) (*storage.TokenRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec, err := scanToken(tx.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tapir_permanent_tokens
		 WHERE user_id = $1 AND secret = $2 FOR UPDATE`, userID, secret))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("token for user %d: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UserID, rec.Secret = userID, secret

	_, err = tx.Exec(ctx,
		`UPDATE tapir_permanent_tokens
		 SET valid = $3, issued_when = $4, issued_to = $5, remote_host = $6, session_id = $7
		 WHERE user_id = $1 AND secret = $2`,
		rec.UserID, rec.Secret, rec.Valid, rec.IssuedWhen,
		rec.IssuedTo, rec.RemoteHost, rec.SessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// Package redis implements storage.Store on top of Redis.
//
// Session rows are JSON values under "<prefix>session:<id>" with ids drawn
// from an INCR counter; active sessions are indexed in a sorted set scored
// by last_reissue so stale sessions can be listed without a scan. Token rows
// live under "<prefix>token:<user_id>:<secret>". Read-modify-write updates use
// WATCH/MULTI and retry a bounded number of times on contention.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/tapir/storage"
)

const (
	defaultPrefix = "tapir:"
	maxTxRetries  = 16
)

// Store implements storage.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key the store writes. Default: "tapir:".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore returns a Store using the given client.
func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStoreFromURL parses a redis:// URL, pings the server and returns a Store.
func NewStoreFromURL(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewStore(client, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) seqKey() string {
	return s.prefix + "session_seq"
}

func (s *Store) activeKey() string {
	return s.prefix + "sessions:active"
}

func (s *Store) sessionKey(id int64) string {
	return s.prefix + "session:" + strconv.FormatInt(id, 10)
}

func (s *Store) tokenKey(userID int64, secret string) string {
	return fmt.Sprintf("%stoken:%d:%s", s.prefix, userID, secret)
}

// indexSession keeps the active-session sorted set in step with rec.
func (s *Store) indexSession(ctx context.Context, pipe goredis.Pipeliner, rec *storage.SessionRecord) {
	member := strconv.FormatInt(rec.SessionID, 10)
	if rec.EndTime != 0 {
		pipe.ZRem(ctx, s.activeKey(), member)
		return
	}
	pipe.ZAdd(ctx, s.activeKey(), goredis.Z{Score: float64(rec.LastReissue), Member: member})
}

func (s *Store) CreateSession(ctx context.Context, rec *storage.SessionRecord) error {
	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return err
	}
	row := rec.Clone()
	row.SessionID = id
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(id), data, 0)
		s.indexSession(ctx, pipe, row)
		return nil
	})
	if err != nil {
		return err
	}
	rec.SessionID = id
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID int64) (*storage.SessionRecord, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec storage.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session %d: %w", sessionID, err)
	}
	return &rec, nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID int64, fn func(rec *storage.SessionRecord) error) (*storage.SessionRecord, error) {
	key := s.sessionKey(sessionID)
	var out *storage.SessionRecord
	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		var rec storage.SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding session %d: %w", sessionID, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.SessionID = sessionID
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			s.indexSession(ctx, pipe, &rec)
			return nil
		})
		if err == nil {
			out = &rec
		}
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListStaleSessions(ctx context.Context, cutoff int64) ([]int64, error) {
	members, err := s.client.ZRangeByScore(ctx, s.activeKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid active session member %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) CreateToken(ctx context.Context, rec *storage.TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.tokenKey(rec.UserID, rec.Secret), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("token for user %d: %w", rec.UserID, storage.ErrConflict)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, userID int64, secret string) (*storage.TokenRecord, error) {
	data, err := s.client.Get(ctx, s.tokenKey(userID, secret)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("token for user %d: %w", userID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec storage.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding token for user %d: %w", userID, err)
	}
	return &rec, nil
}

func (s *Store) UpdateToken(ctx context.Context, userID int64, secret string, fn func(rec *storage.TokenRecord) error) (*storage.TokenRecord, error) {
	key := s.tokenKey(userID, secret)
	var out *storage.TokenRecord
	txf := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("token for user %d: %w", userID, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		var rec storage.TokenRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding token for user %d: %w", userID, err)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UserID, rec.Secret = userID, secret
		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err == nil {
			out = &rec
		}
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return out, nil
}

// watch runs txf under WATCH on keys, retrying when another client modified
// a watched key before EXEC.
func (s *Store) watch(ctx context.Context, txf func(tx *goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis transaction on %v: %w", keys, goredis.TxFailedErr)
}

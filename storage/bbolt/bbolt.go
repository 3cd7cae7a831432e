// Package bbolt provides a BBolt-backed storage.Store.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/tapir/storage"
)

var (
	sessionsBucket = []byte("sessions")
	tokensBucket   = []byte("tokens")
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database, creating the
// buckets it needs.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, tokensBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func sessionKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func tokenKey(userID int64, secret string) []byte {
	return []byte(fmt.Sprintf("%d:%s", userID, secret))
}

func (s *Store) CreateSession(_ context.Context, rec *storage.SessionRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		row := rec.Clone()
		row.SessionID = int64(seq)
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := b.Put(sessionKey(row.SessionID), data); err != nil {
			return err
		}
		rec.SessionID = row.SessionID
		return nil
	})
}

func (s *Store) GetSession(_ context.Context, sessionID int64) (*storage.SessionRecord, error) {
	var rec storage.SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get(sessionKey(sessionID))
		if data == nil {
			return fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) UpdateSession(_ context.Context, sessionID int64, fn func(rec *storage.SessionRecord) error) (*storage.SessionRecord, error) {
	var rec storage.SessionRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		key := sessionKey(sessionID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.SessionID = sessionID
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListStaleSessions(_ context.Context, cutoff int64) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var rec storage.SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.EndTime == 0 && rec.LastReissue < cutoff {
				ids = append(ids, rec.SessionID)
			}
			return nil
		})
	})
	return ids, err
}

func (s *Store) CreateToken(_ context.Context, rec *storage.TokenRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		key := tokenKey(rec.UserID, rec.Secret)
		if b.Get(key) != nil {
			return fmt.Errorf("token for user %d: %w", rec.UserID, storage.ErrConflict)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) GetToken(_ context.Context, userID int64, secret string) (*storage.TokenRecord, error) {
	var rec storage.TokenRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(tokensBucket).Get(tokenKey(userID, secret))
		if data == nil {
			return fmt.Errorf("token for user %d: %w", userID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) UpdateToken(_ context.Context, userID int64, secret string, fn func(rec *storage.TokenRecord) error) (*storage.TokenRecord, error) {
	var rec storage.TokenRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		key := tokenKey(userID, secret)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("token for user %d: %w", userID, storage.ErrNotFound)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.UserID, rec.Secret = userID, secret
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

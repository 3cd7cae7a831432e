// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/tapir/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu       sync.RWMutex
	seq      int64
	sessions map[int64]*storage.SessionRecord
	tokens   map[string]*storage.TokenRecord
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[int64]*storage.SessionRecord),
		tokens:   make(map[string]*storage.TokenRecord),
	}
}

func tokenKey(userID int64, secret string) string {
	return fmt.Sprintf("%d:%s", userID, secret)
}

func (s *Store) CreateSession(_ context.Context, rec *storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.SessionID = s.seq
	s.sessions[rec.SessionID] = rec.Clone()
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID int64) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) UpdateSession(_ context.Context, sessionID int64, fn func(rec *storage.SessionRecord) error) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sessionID, storage.ErrNotFound)
	}
	// fn works on a copy so an aborted update leaves the stored row untouched.
	rec := existing.Clone()
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.SessionID = sessionID
	s.sessions[sessionID] = rec
	return rec.Clone(), nil
}

func (s *Store) ListStaleSessions(_ context.Context, cutoff int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, rec := range s.sessions {
		if rec.EndTime == 0 && rec.LastReissue < cutoff {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) CreateToken(_ context.Context, rec *storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tokenKey(rec.UserID, rec.Secret)
	if _, ok := s.tokens[k]; ok {
		return fmt.Errorf("token for user %d: %w", rec.UserID, storage.ErrConflict)
	}
	s.tokens[k] = rec.Clone()
	return nil
}

func (s *Store) GetToken(_ context.Context, userID int64, secret string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[tokenKey(userID, secret)]
	if !ok {
		return nil, fmt.Errorf("token for user %d: %w", userID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (s *Store) UpdateToken(_ context.Context, userID int64, secret string, fn func(rec *storage.TokenRecord) error) (*storage.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tokenKey(userID, secret)
	existing, ok := s.tokens[k]
	if !ok {
		return nil, fmt.Errorf("token for user %d: %w", userID, storage.ErrNotFound)
	}
	rec := existing.Clone()
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UserID, rec.Secret = userID, secret
	s.tokens[k] = rec
	return rec.Clone(), nil
}

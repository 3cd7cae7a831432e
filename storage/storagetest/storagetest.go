// Package storagetest provides a conformance suite that every storage.Store
// implementation runs from its own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tapir/storage"
)

// Run exercises store against the storage.Store contract. The store must be
// empty when Run is called.
func Run(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()

	newSession := func(userID, at int64) *storage.SessionRecord {
		return &storage.SessionRecord{
			UserID:         userID,
			StartTime:      at,
			LastReissue:    at,
			RemoteAddr:     "127.0.0.1",
			RemoteHost:     "foo-host.foo.com",
			TrackingCookie: "1.foo",
		}
	}

	t.Run("CreateAndGetSession", func(t *testing.T) {
		rec := newSession(12345, 1000)
		require.NoError(t, store.CreateSession(ctx, rec))
		require.NotZero(t, rec.SessionID, "store must assign a session id")

		got, err := store.GetSession(ctx, rec.SessionID)
		require.NoError(t, err)
		assert.Equal(t, rec.SessionID, got.SessionID)
		assert.Equal(t, int64(12345), got.UserID)
		assert.Equal(t, int64(1000), got.StartTime)
		assert.Equal(t, int64(1000), got.LastReissue)
		assert.Zero(t, got.EndTime)
		assert.Equal(t, "127.0.0.1", got.RemoteAddr)
		assert.Equal(t, "foo-host.foo.com", got.RemoteHost)
		assert.Equal(t, "1.foo", got.TrackingCookie)
	})

	t.Run("SessionIDsAreUnique", func(t *testing.T) {
		a := newSession(1, 1000)
		b := newSession(1, 1000)
		require.NoError(t, store.CreateSession(ctx, a))
		require.NoError(t, store.CreateSession(ctx, b))
		assert.NotEqual(t, a.SessionID, b.SessionID)
	})

	t.Run("GetMissingSession", func(t *testing.T) {
		_, err := store.GetSession(ctx, 424242424)
		assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	})

	t.Run("UpdateSession", func(t *testing.T) {
		rec := newSession(7, 1000)
		require.NoError(t, store.CreateSession(ctx, rec))

		updated, err := store.UpdateSession(ctx, rec.SessionID, func(r *storage.SessionRecord) error {
			r.LastReissue = 1500
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1500), updated.LastReissue)

		got, err := store.GetSession(ctx, rec.SessionID)
		require.NoError(t, err)
		assert.Equal(t, int64(1500), got.LastReissue)
		assert.Equal(t, int64(1000), got.StartTime)
	})

	t.Run("UpdateSessionAborted", func(t *testing.T) {
		rec := newSession(8, 1000)
		require.NoError(t, store.CreateSession(ctx, rec))

		errAbort := errors.New("abort")
		_, err := store.UpdateSession(ctx, rec.SessionID, func(r *storage.SessionRecord) error {
			r.EndTime = 2000
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		got, err := store.GetSession(ctx, rec.SessionID)
		require.NoError(t, err)
		assert.Zero(t, got.EndTime, "aborted update must not be written")
	})

	t.Run("UpdateMissingSession", func(t *testing.T) {
		called := false
		_, err := store.UpdateSession(ctx, 979797979, func(*storage.SessionRecord) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.False(t, called)
	})

	t.Run("ConcurrentUpdateSession", func(t *testing.T) {
		rec := newSession(9, 1000)
		require.NoError(t, store.CreateSession(ctx, rec))

		// Each writer sets EndTime only if it is still zero; exactly one wins.
		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(at int64) {
				defer wg.Done()
				won := false
				_, err := store.UpdateSession(ctx, rec.SessionID, func(r *storage.SessionRecord) error {
					won = false
					if r.EndTime == 0 {
						r.EndTime = at
						won = true
					}
					return nil
				})
				if err == nil && won {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(int64(2000 + i))
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		got, err := store.GetSession(ctx, rec.SessionID)
		require.NoError(t, err)
		assert.NotZero(t, got.EndTime)
	})

	t.Run("ListStaleSessions", func(t *testing.T) {
		stale := newSession(20, 100)
		fresh := newSession(20, 5000)
		ended := newSession(20, 100)
		for _, r := range []*storage.SessionRecord{stale, fresh, ended} {
			require.NoError(t, store.CreateSession(ctx, r))
		}
		_, err := store.UpdateSession(ctx, ended.SessionID, func(r *storage.SessionRecord) error {
			r.EndTime = 150
			return nil
		})
		require.NoError(t, err)

		ids, err := store.ListStaleSessions(ctx, 200)
		require.NoError(t, err)
		assert.Contains(t, ids, stale.SessionID)
		assert.NotContains(t, ids, fresh.SessionID)
		assert.NotContains(t, ids, ended.SessionID)
	})

	t.Run("CreateAndGetToken", func(t *testing.T) {
		rec := &storage.TokenRecord{
			UserID:     12345,
			Secret:     "abcdefghijklmnopqrstuvwxyz012345",
			Valid:      1,
			IssuedWhen: 1000,
			IssuedTo:   "10.0.0.1",
			RemoteHost: "host.example.org",
			SessionID:  17,
		}
		require.NoError(t, store.CreateToken(ctx, rec))

		got, err := store.GetToken(ctx, 12345, rec.Secret)
		require.NoError(t, err)
		assert.Equal(t, *rec, *got)
	})

	t.Run("CreateDuplicateToken", func(t *testing.T) {
		rec := &storage.TokenRecord{UserID: 55, Secret: "dup", Valid: 1}
		require.NoError(t, store.CreateToken(ctx, rec))
		err := store.CreateToken(ctx, &storage.TokenRecord{UserID: 55, Secret: "dup", Valid: 1})
		assert.ErrorIs(t, err, storage.ErrConflict)

		// Same secret for a different user is a different key.
		require.NoError(t, store.CreateToken(ctx, &storage.TokenRecord{UserID: 56, Secret: "dup", Valid: 1}))
	})

	t.Run("GetMissingToken", func(t *testing.T) {
		_, err := store.GetToken(ctx, 12345, "no-such-secret")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateToken", func(t *testing.T) {
		rec := &storage.TokenRecord{UserID: 77, Secret: "revoke-me", Valid: 1, IssuedWhen: 10}
		require.NoError(t, store.CreateToken(ctx, rec))

		updated, err := store.UpdateToken(ctx, 77, "revoke-me", func(r *storage.TokenRecord) error {
			r.Valid = 0
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 0, updated.Valid)

		got, err := store.GetToken(ctx, 77, "revoke-me")
		require.NoError(t, err)
		assert.Equal(t, 0, got.Valid)
		assert.Equal(t, int64(10), got.IssuedWhen)

		_, err = store.UpdateToken(ctx, 77, "missing", func(*storage.TokenRecord) error { return nil })
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, e *Engine) *Session {
	t.Helper()
	s, _, err := e.Create(context.Background(), alice, Authorizations{Classic: 1}, "198.51.100.4", "laptop.example", "")
	require.NoError(t, err)
	return s
}

func TestIssueAndAuthenticateToken(t *testing.T) {
	ctx := context.Background()
	e, clock, _ := newTestEngine(t)
	s := newTestSession(t, e)

	clock.Advance(60)
	secret, err := e.IssueToken(ctx, s)
	require.NoError(t, err)
	assert.Len(t, secret, tokenSecretLength)

	tok, err := e.AuthenticateToken(ctx, alice.UserID, secret)
	require.NoError(t, err)
	assert.Equal(t, &PermanentToken{
		UserID:     alice.UserID,
		Secret:     secret,
		Valid:      true,
		IssuedAt:   tok.IssuedAt,
		IssuedTo:   "198.51.100.4",
		RemoteHost: "laptop.example",
		SessionID:  s.ID,
	}, tok)
	assert.Equal(t, int64(testStart+60), tok.IssuedAt.Unix())

	// Tokens do not expire with the session.
	clock.Advance(10 * 36000)
	_, err = e.AuthenticateToken(ctx, alice.UserID, secret)
	assert.NoError(t, err)
}

func TestAuthenticateTokenUnknown(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	secret, err := e.IssueToken(ctx, newTestSession(t, e))
	require.NoError(t, err)

	_, err = e.AuthenticateToken(ctx, alice.UserID, secret+"x")
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = e.AuthenticateToken(ctx, alice.UserID+1, secret)
	assert.ErrorIs(t, err, ErrUnknownToken, "secret is scoped to its user")
	_, err = e.AuthenticateToken(ctx, alice.UserID, "")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestRevokeToken(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	secret, err := e.IssueToken(ctx, newTestSession(t, e))
	require.NoError(t, err)

	require.NoError(t, e.RevokeToken(ctx, alice.UserID, secret))
	_, err = e.AuthenticateToken(ctx, alice.UserID, secret)
	assert.ErrorIs(t, err, ErrUnknownToken)

	assert.NoError(t, e.RevokeToken(ctx, alice.UserID, secret), "revoking twice is a no-op")
	assert.ErrorIs(t, e.RevokeToken(ctx, alice.UserID, "nope"), ErrUnknownToken)
}

func TestIssueTokenRequiresLiveSession(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	_, cred, err := e.Create(ctx, alice, Authorizations{}, "10.0.0.1", "", "")
	require.NoError(t, err)
	require.NoError(t, e.Invalidate(ctx, cred))
	s, _ := e.Resolve(ctx, cred)
	require.NotNil(t, s)

	_, err = e.IssueToken(ctx, s)
	assert.ErrorIs(t, err, ErrSessionInvalidated)

	_, err = e.IssueToken(ctx, nil)
	assert.Error(t, err)
}

func TestIssueTokenRereadsSession(t *testing.T) {
	ctx := context.Background()

	t.Run("invalidated after resolve", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		_, cred, err := e.Create(ctx, alice, Authorizations{}, "10.0.0.1", "", "")
		require.NoError(t, err)
		s, err := e.Resolve(ctx, cred)
		require.NoError(t, err)
		require.NoError(t, e.Invalidate(ctx, cred))
		require.True(t, s.State.IsActive(), "the caller's copy is stale")

		_, err = e.IssueToken(ctx, s)
		assert.ErrorIs(t, err, ErrSessionInvalidated)
	})

	t.Run("expired after resolve", func(t *testing.T) {
		e, clock, _ := newTestEngine(t)
		_, cred, err := e.Create(ctx, alice, Authorizations{}, "10.0.0.1", "", "")
		require.NoError(t, err)
		s, err := e.Resolve(ctx, cred)
		require.NoError(t, err)

		clock.Advance(36001)
		_, err = e.IssueToken(ctx, s)
		assert.ErrorIs(t, err, ErrSessionExpired)
	})

	t.Run("unknown or edited session", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		s := newTestSession(t, e)

		_, err := e.IssueToken(ctx, &Session{ID: 404, UserID: alice.UserID})
		assert.ErrorIs(t, err, ErrUnknownSession)

		other := *s
		other.UserID = alice.UserID + 1
		_, err = e.IssueToken(ctx, &other)
		assert.ErrorIs(t, err, ErrUnknownSession)

		moved := *s
		moved.RemoteAddr = "6.6.6.6"
		_, err = e.IssueToken(ctx, &moved)
		assert.ErrorIs(t, err, ErrUnknownSession)
	})
}

func TestConcurrentTokensAreIndependent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	s := newTestSession(t, e)

	const n = 8
	secrets := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			secret, err := e.IssueToken(ctx, s)
			assert.NoError(t, err)
			secrets[i] = secret
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, secret := range secrets {
		assert.False(t, seen[secret], "duplicate secret")
		seen[secret] = true
	}
	require.NoError(t, e.RevokeToken(ctx, alice.UserID, secrets[0]))
	for _, secret := range secrets[1:] {
		_, err := e.AuthenticateToken(ctx, alice.UserID, secret)
		assert.NoError(t, err, "revoking one token leaves the others valid")
	}
}

func TestUnknownTokenSpikeAlert(t *testing.T) {
	var alerts []AlertEvent
	e, _, _ := newTestEngine(t, WithAlertFunc(func(ev AlertEvent) { alerts = append(alerts, ev) }))
	e.monitor.tokenMissThreshold = 2

	for i := 0; i < 2; i++ {
		_, _ = e.AuthenticateToken(context.Background(), alice.UserID, "guess")
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertUnknownTokenSpike, alerts[0].Type)
}

func TestBearerFormat(t *testing.T) {
	assert.Equal(t, "42-abcXYZ09", FormatBearer(42, "abcXYZ09"))

	uid, secret, err := ParseBearer(FormatBearer(42, "abcXYZ09"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), uid)
	assert.Equal(t, "abcXYZ09", secret)

	for _, bad := range []string{"", "42", "42-", "-abc", "x-abc", "0-abc", "42-ab-c", "42-ab c", "+4-abc"} {
		_, _, err := ParseBearer(bad)
		assert.ErrorIs(t, err, ErrMalformedCredential, "%q", bad)
	}
}

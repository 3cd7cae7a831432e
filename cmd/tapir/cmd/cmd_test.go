package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tapir/internal/config"
	"github.com/jmcleod/tapir/session"
	bboltstorage "github.com/jmcleod/tapir/storage/bbolt"
)

// run executes the root command. Flags keep their values between runs, so
// every test passes the flags it depends on.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env"), "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

// seedStore creates sessions in a bbolt store under dir at a fixed past time
// and closes it so the CLI can open the file.
func seedStore(t *testing.T, dir string, fn func(ctx context.Context, e *session.Engine)) {
	t.Helper()
	store, err := bboltstorage.NewStoreFromFile(filepath.Join(dir, "sessions.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	past := session.ClockFunc(func() time.Time { return time.Unix(1_000_000, 0) })
	e, err := session.New(store, session.DefaultConfig(), session.WithClock(past))
	require.NoError(t, err)
	defer e.Close()
	fn(context.Background(), e)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tapir dev\n", out)
}

func TestSecretCommand(t *testing.T) {
	out, err := run(t, "secret", "--bytes", "32")
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	_, err = run(t, "secret", "--bytes", "8")
	assert.Error(t, err)
}

func TestDecodeCommand(t *testing.T) {
	out, err := run(t, "decode", "--json=false", "--resolve=false", "12:34:10.0.0.1:1000:3")
	require.NoError(t, err)
	assert.Contains(t, out, "User ID:         34")
	assert.Contains(t, out, "Start time:      1970-01-01T00:16:40Z")
	assert.Contains(t, out, "Signed:          false")

	out, err = run(t, "decode", "--json", "--resolve=false", "1:2:%3A%3A1:5:0")
	require.NoError(t, err)
	var got decodeResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "::1", got.IP)
	assert.Empty(t, got.Status)

	_, err = run(t, "decode", "--json=false", "--resolve=false", "1:2:3")
	assert.ErrorIs(t, err, session.ErrMalformedCredential)
}

func TestSessionCommands(t *testing.T) {
	dir := t.TempDir()
	var first, second *session.Session
	var firstCred string
	seedStore(t, dir, func(ctx context.Context, e *session.Engine) {
		var err error
		first, firstCred, err = e.Create(ctx, session.User{UserID: 5}, session.Authorizations{}, "10.0.0.1", "", "")
		require.NoError(t, err)
		second, _, err = e.Create(ctx, session.User{UserID: 6}, session.Authorizations{}, "10.0.0.2", "", "")
		require.NoError(t, err)
	})
	storeFlags := []string{"--store", "bbolt", "--data-dir", dir}

	out, err := run(t, append([]string{"invalidate", strconv.FormatInt(first.ID, 10)}, storeFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "invalidated")

	out, err = run(t, append([]string{"decode", "--json", "--resolve", firstCred}, storeFlags...)...)
	require.NoError(t, err)
	var got decodeResult
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "invalidated", got.Status)
	require.NotNil(t, got.InvalidatedAt)

	// Only the second session is still active, and it is long expired.
	out, err = run(t, append([]string{"sweep"}, storeFlags...)...)
	require.NoError(t, err)
	assert.Equal(t, "closed 1 expired sessions\n", out)

	_, err = run(t, append([]string{"invalidate", "999"}, storeFlags...)...)
	assert.ErrorIs(t, err, session.ErrUnknownSession)
	_, err = run(t, append([]string{"invalidate", "abc"}, storeFlags...)...)
	assert.Error(t, err)
	_ = second
}

func TestTokenCommands(t *testing.T) {
	dir := t.TempDir()
	var bearer string
	seedStore(t, dir, func(ctx context.Context, e *session.Engine) {
		s, _, err := e.Create(ctx, session.User{UserID: 9}, session.Authorizations{}, "10.0.0.9", "", "")
		require.NoError(t, err)
		secret, err := e.IssueToken(ctx, s)
		require.NoError(t, err)
		bearer = session.FormatBearer(9, secret)
	})
	storeFlags := []string{"--store", "bbolt", "--data-dir", dir}

	out, err := run(t, append([]string{"token", "check", bearer}, storeFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	out, err = run(t, append([]string{"token", "revoke", bearer}, storeFlags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "revoked")

	_, err = run(t, append([]string{"token", "check", bearer}, storeFlags...)...)
	assert.ErrorIs(t, err, session.ErrUnknownToken)

	_, err = run(t, append([]string{"token", "revoke", "not-a-token"}, storeFlags...)...)
	assert.ErrorIs(t, err, session.ErrMalformedCredential)
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := run(t, "sweep", "--store", "etcd")
	assert.Error(t, err)

	_, err = run(t, "sweep", "--store", "memory", "--cookie-delimiter", "ab")
	assert.Error(t, err)
	// Reset for later runs.
	_, _ = run(t, "sweep", "--store", "memory", "--cookie-delimiter", ":")
}

func TestCheckServerSecurity(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	c := config.Config{Session: session.DefaultConfig()}
	err := checkServerSecurity(c, log)
	require.Error(t, err, "unsigned credentials need an explicit opt-in")
	assert.Contains(t, err.Error(), "--allow-unsigned")

	c.AllowUnsigned = true
	require.NoError(t, checkServerSecurity(c, log))
	assert.Contains(t, logs.String(), "serving unsigned credentials")
	assert.Contains(t, logs.String(), "TAPIR_GATEWAY_TOKEN is not set")

	logs.Reset()
	c = config.Config{Session: session.DefaultConfig(), GatewayToken: "gw"}
	c.Session.Secret = "s3cret"
	require.NoError(t, checkServerSecurity(c, log))
	assert.Empty(t, logs.String())
}

package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/tapir/api"
	"github.com/jmcleod/tapir/session"
	"github.com/jmcleod/tapir/storage/memory"
)

type testServer struct {
	*httptest.Server
	now *atomic.Int64
}

func (s *testServer) advance(d time.Duration) {
	s.now.Add(int64(d / time.Second))
}

func setupServer(t *testing.T, opts ...api.Option) *testServer {
	t.Helper()
	now := &atomic.Int64{}
	now.Store(1_700_000_000)
	clock := session.ClockFunc(func() time.Time { return time.Unix(now.Load(), 0) })

	engine, err := session.New(memory.NewStore(), session.DefaultConfig(), session.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	a := api.New(engine, append([]api.Option{api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)...)
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := &testServer{Server: httptest.NewServer(r), now: now}
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createSession(t *testing.T, srv *testServer, client *http.Client) api.CreateSessionResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/sessions", api.CreateSessionRequest{
		UserID:         7,
		Username:       "alice",
		Authorizations: 3,
		RemoteHost:     "Desk.Example.",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.CreateSessionResponse](t, resp)
	require.NotEmpty(t, created.Credential)
	assert.Equal(t, created.Credential, resp.Header.Get(api.SessionHeader))
	return created
}

func sessionHeader(cred string) map[string]string {
	return map[string]string{api.SessionHeader: cred}
}

func TestCreateAndResolveSession(t *testing.T) {
	srv := setupServer(t)
	client := http.DefaultClient

	created := createSession(t, srv, client)
	assert.Equal(t, int64(7), created.Session.UserID)
	assert.Equal(t, "127.0.0.1", created.Session.RemoteAddr, "address defaults to the client")
	assert.Equal(t, "desk.example", created.Session.RemoteHost)
	assert.Equal(t, "active", created.Session.State)
	assert.Equal(t, 3, created.Session.Authorizations)
	assert.NotEmpty(t, created.Session.TrackingCookie)
	assert.Equal(t, created.Session.LastReissue.Add(10*time.Hour), created.Session.ExpiresAt)

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/sessions/current", nil, sessionHeader(created.Credential))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[api.SessionView](t, resp)
	assert.Equal(t, created.Session.SessionID, got.SessionID)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestSessionCookieFallback(t *testing.T) {
	srv := setupServer(t)
	client := newClient(t)
	createSession(t, srv, client)

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/sessions/current", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "the cookie set on create authenticates")
}

func TestCreateSessionValidation(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/sessions", map[string]any{"user_id": "seven"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/sessions", map[string]any{"username": "nobody"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/sessions", map[string]any{"user_id": 1, "authorizations": -1}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSessionRequiresGatewayToken(t *testing.T) {
	srv := setupServer(t, api.WithGatewayToken("gw-shared"))
	url := srv.URL + "/api/v1/sessions"
	body := api.CreateSessionRequest{UserID: 7, RemoteAddr: "10.0.0.1"}

	resp := doJSON(t, http.DefaultClient, http.MethodPost, url, body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, url, body, map[string]string{api.GatewayTokenHeader: "gw-other"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, url, body, map[string]string{api.GatewayTokenHeader: "gw-shared"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.CreateSessionResponse](t, resp)
	assert.Equal(t, "10.0.0.1", created.Session.RemoteAddr)

	// Only creation is gated; the credential itself authenticates the rest.
	resp = doJSON(t, http.DefaultClient, http.MethodGet, url+"/current", nil, sessionHeader(created.Credential))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEditedCredentialIsRejected(t *testing.T) {
	srv := setupServer(t)
	created := createSession(t, srv, http.DefaultClient)
	parts := strings.Split(created.Credential, ":")
	require.Len(t, parts, 5)
	parts[2] = "6.6.6.6"

	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/sessions/current", nil,
		sessionHeader(strings.Join(parts, ":")))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveErrors(t *testing.T) {
	srv := setupServer(t)
	url := srv.URL + "/api/v1/sessions/current"

	resp := doJSON(t, http.DefaultClient, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, url, nil, sessionHeader("1:2:3"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, url, nil, sessionHeader("99:7:10.0.0.1:1700000000:0"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExpiredSession(t *testing.T) {
	srv := setupServer(t)
	created := createSession(t, srv, http.DefaultClient)

	srv.advance(10*time.Hour + time.Second)
	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/sessions/current", nil, sessionHeader(created.Credential))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[api.SessionErrorResponse](t, resp)
	assert.Contains(t, body.Error, "expired")
	require.NotNil(t, body.Session)
	assert.Equal(t, created.Session.SessionID, body.Session.SessionID)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/sessions/current/reissue", nil, sessionHeader(created.Credential))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReissueSession(t *testing.T) {
	srv := setupServer(t)
	created := createSession(t, srv, http.DefaultClient)

	srv.advance(8 * time.Hour)
	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/sessions/current/reissue", nil, sessionHeader(created.Credential))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reissued := decode[api.ReissueResponse](t, resp)
	assert.Equal(t, reissued.Credential, resp.Header.Get(api.SessionHeader))
	assert.Equal(t, created.Session.StartTime.Add(18*time.Hour), reissued.ExpiresAt)

	srv.advance(8 * time.Hour)
	resp = doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/sessions/current", nil, sessionHeader(reissued.Credential))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[api.SessionView](t, resp)
	assert.Equal(t, created.Session.StartTime, view.StartTime)
}

func TestInvalidateSession(t *testing.T) {
	srv := setupServer(t)
	created := createSession(t, srv, http.DefaultClient)
	url := srv.URL + "/api/v1/sessions/current"

	srv.advance(time.Minute)
	resp := doJSON(t, http.DefaultClient, http.MethodDelete, url, nil, sessionHeader(created.Credential))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodDelete, url, nil, sessionHeader(created.Credential))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "invalidate is idempotent")

	resp = doJSON(t, http.DefaultClient, http.MethodGet, url, nil, sessionHeader(created.Credential))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[api.SessionErrorResponse](t, resp)
	require.NotNil(t, body.Session)
	assert.Equal(t, "invalidated", body.Session.State)
	require.NotNil(t, body.Session.InvalidatedAt)
	assert.Equal(t, created.Session.StartTime.Add(time.Minute), body.Session.InvalidatedAt.UTC())

	resp = doJSON(t, http.DefaultClient, http.MethodDelete, url, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = doJSON(t, http.DefaultClient, http.MethodDelete, url, nil, sessionHeader("junk"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenLifecycle(t *testing.T) {
	srv := setupServer(t)
	created := createSession(t, srv, http.DefaultClient)

	resp := doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/tokens", nil, sessionHeader(created.Credential))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	issued := decode[api.IssueTokenResponse](t, resp)
	bearer := map[string]string{"Authorization": "Bearer " + issued.Token}

	// Tokens outlive the session that minted them.
	srv.advance(48 * time.Hour)
	url := srv.URL + "/api/v1/tokens/current"
	resp = doJSON(t, http.DefaultClient, http.MethodGet, url, nil, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decode[api.TokenView](t, resp)
	assert.Equal(t, int64(7), tok.UserID)
	assert.True(t, tok.Valid)
	assert.Equal(t, created.Session.SessionID, tok.SessionID)

	resp = doJSON(t, http.DefaultClient, http.MethodDelete, url, nil, bearer)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = doJSON(t, http.DefaultClient, http.MethodDelete, url, nil, bearer)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "revoke is idempotent")

	resp = doJSON(t, http.DefaultClient, http.MethodGet, url, nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenErrors(t *testing.T) {
	srv := setupServer(t)
	url := srv.URL + "/api/v1/tokens/current"

	resp := doJSON(t, http.DefaultClient, http.MethodGet, url, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer nodash"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodDelete, url, nil, map[string]string{"Authorization": "Bearer 7-unknownsecret"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.DefaultClient, http.MethodPost, srv.URL+"/api/v1/tokens", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "issuing requires a session")
}

func TestBearerFailuresAreRateLimited(t *testing.T) {
	srv := setupServer(t)
	url := srv.URL + "/api/v1/tokens/current"
	guess := map[string]string{"Authorization": "Bearer 7-guess"}

	var last int
	for i := 0; i < 25 && last != http.StatusTooManyRequests; i++ {
		resp := doJSON(t, http.DefaultClient, http.MethodGet, url, nil, guess)
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestOpenAPISpecServed(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.DefaultClient, http.MethodGet, srv.URL+"/api/v1/openapi.yaml", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/sessions/current/reissue")
}

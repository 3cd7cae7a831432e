package api

import (
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl := newIPRateLimiter()
	for i := 0; i < ipMaxFailures-1; i++ {
		rl.recordFailure("203.0.113.1")
	}
	blocked, _ := rl.check("203.0.113.1")
	assert.False(t, blocked)
}

func TestIPRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl := newIPRateLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("203.0.113.1")
	}
	blocked, retryAfter := rl.check("203.0.113.1")
	require.True(t, blocked)
	assert.Greater(t, retryAfter, time.Duration(0))

	blocked, _ = rl.check("203.0.113.2")
	assert.False(t, blocked, "other addresses are unaffected")
}

func TestIPRateLimiter_ExponentialBackoffIsCapped(t *testing.T) {
	rl := newIPRateLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("203.0.113.1")
	}
	_, first := rl.check("203.0.113.1")
	rl.recordFailure("203.0.113.1")
	_, second := rl.check("203.0.113.1")
	assert.Greater(t, second, first)

	for i := 0; i < 50; i++ {
		rl.recordFailure("203.0.113.1")
	}
	_, capped := rl.check("203.0.113.1")
	assert.LessOrEqual(t, capped, ipMaxLockout)
}

func TestIPRateLimiter_SuccessClears(t *testing.T) {
	rl := newIPRateLimiter()
	for i := 0; i < ipMaxFailures; i++ {
		rl.recordFailure("203.0.113.1")
	}
	rl.recordSuccess("203.0.113.1")
	blocked, _ := rl.check("203.0.113.1")
	assert.False(t, blocked)
}

func TestIPRateLimiter_ExpiresStaleRecords(t *testing.T) {
	rl := newIPRateLimiter()
	rl.recordFailure("203.0.113.1")
	rl.attempts["203.0.113.1"].lastFailure = time.Now().Add(-2 * attemptExpiry)
	rl.attempts["203.0.113.1"].lockedUntil = time.Now().Add(time.Hour)

	blocked, _ := rl.check("203.0.113.1")
	assert.False(t, blocked)
	assert.NotContains(t, rl.attempts, "203.0.113.1")
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "mapped ipv4", remoteAddr: "[::ffff:192.0.2.7]:443", want: "192.0.2.7"},
		{name: "zone dropped", remoteAddr: "[fe80::1%eth0]:80", want: "fe80::1"},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{name: "empty when nothing parseable", remoteAddr: "not-a-hostport", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIP(r))
		})
	}
}

func TestExtractClientIPWithTrustedProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "xff first valid wins",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 198.51.100.25, 203.0.113.9"},
			want:       "198.51.100.25",
		},
		{
			name:       "forwarded fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::17]:4711";proto=https`},
			want:       "2001:db8::17",
		},
		{
			name:       "x-real-ip fallback",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			want:       "203.0.113.11",
		},
		{
			name:       "untrusted peer cannot spoof",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25", "X-Real-IP": "198.51.100.26"},
			want:       "192.168.1.1",
		},
		{
			name:       "trusted peer without headers",
			remoteAddr: "10.0.0.1:80",
			want:       "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, trusted))
		})
	}
}

func TestWithTrustedProxies(t *testing.T) {
	opt, err := WithTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", "::1", ""})
	require.NoError(t, err)
	a := &API{}
	opt(a)
	require.Len(t, a.trustedProxies, 3)
	assert.Equal(t, "192.0.2.1/32", a.trustedProxies[1].String())
	assert.Equal(t, "::1/128", a.trustedProxies[2].String())

	_, err = WithTrustedProxies([]string{"10.0.0.0/8", "garbage"})
	assert.Error(t, err)
	_, err = WithTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

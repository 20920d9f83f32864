package bare

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.Header.Set("X-Real-IP", "198.51.100.9")
	r.RemoteAddr = "192.0.2.1:1234"

	require.Equal(t, "203.0.113.5", ClientIP(r))
}

func TestClientIPFallsBackToRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.9")
	r.RemoteAddr = "192.0.2.1:1234"

	require.Equal(t, "198.51.100.9", ClientIP(r))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"

	require.Equal(t, "192.0.2.1:1234", ClientIP(r))
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1"

	for i := 0; i < 3; i++ {
		res := rl.Check(r)
		require.True(t, res.Allowed, "request %d should be within burst", i)
	}
}

func TestRateLimiterRejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1"

	for i := 0; i < 2; i++ {
		require.True(t, rl.Check(r).Allowed)
	}
	res := rl.Check(r)
	require.False(t, res.Allowed)
	require.Equal(t, 2, res.Limit)
}

func TestRateLimiterTracksClientsIndependently(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	a := httptest.NewRequest(http.MethodGet, "/", nil)
	a.RemoteAddr = "192.0.2.1:1"
	b := httptest.NewRequest(http.MethodGet, "/", nil)
	b.RemoteAddr = "192.0.2.2:1"

	require.True(t, rl.Check(a).Allowed)
	require.False(t, rl.Check(a).Allowed)
	require.True(t, rl.Check(b).Allowed, "a different client IP must have its own bucket")
}

func TestRateLimiterNonKeepAliveInspectsWithoutConsuming(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1"
	r.Header.Set("Connection", "close")
	r.Proto = "HTTP/1.1"
	r.ProtoMajor, r.ProtoMinor = 1, 1

	first := rl.Check(r)
	require.True(t, first.Allowed)
	second := rl.Check(r)
	require.True(t, second.Allowed, "a non-keep-alive check must not drain the bucket")
}

func TestIsKeepAliveDefaultsTrueOnHTTP11(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Proto = "HTTP/1.1"
	r.ProtoMajor, r.ProtoMinor = 1, 1

	require.True(t, isKeepAlive(r))
}

func TestIsKeepAliveFalseOnExplicitClose(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Proto = "HTTP/1.1"
	r.ProtoMajor, r.ProtoMinor = 1, 1
	r.Header.Set("Connection", "close")

	require.False(t, isKeepAlive(r))
}

func TestWriteRateLimitExceededSetsHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	writeRateLimitExceeded(w, rateLimitResult{Allowed: false, Limit: 5, Remaining: 0})

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
	require.Equal(t, "5", w.Header().Get("RateLimit-Limit"))
}

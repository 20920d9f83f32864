package bare

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-IP token bucket over keep-alive connections, per
// spec §4.K. It is optional: a nil *RateLimiter disables rate limiting
// entirely (the zero value is not usable, always construct with
// NewRateLimiter).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing burst requests immediately
// and limit requests/sec sustained thereafter, per client IP.
func NewRateLimiter(limit float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(limit),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[ip] = l
	}
	return l
}

// ClientIP resolves the rate-limit key for r: X-Forwarded-For's first
// entry, else X-Real-IP, else the TCP peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return r.RemoteAddr
}

// isKeepAlive is the heuristic spec §9(ii) flags as such: HTTP/1.1+ is
// keep-alive by default, downgraded only by an explicit "Connection:
// close". There is no portable way to ask net/http's server for the
// connection's actual persistence decision from inside a handler, so
// this mirrors the protocol-level default instead of observing it.
func isKeepAlive(r *http.Request) bool {
	return r.ProtoAtLeast(1, 1) && !strings.EqualFold(r.Header.Get("Connection"), "close")
}

// rateLimitResult describes the outcome of a rate-limit check.
type rateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Check consumes a token for keep-alive requests and merely inspects the
// current allowance otherwise, per spec §4.K's two modes.
func (rl *RateLimiter) Check(r *http.Request) rateLimitResult {
	l := rl.limiterFor(ClientIP(r))

	if isKeepAlive(r) {
		reservation := l.Reserve()
		if !reservation.OK() || reservation.Delay() > 0 {
			reservation.Cancel()
			return rateLimitResult{
				Allowed:    false,
				Limit:      rl.burst,
				Remaining:  0,
				RetryAfter: reservation.Delay(),
			}
		}
		return rateLimitResult{Allowed: true, Limit: rl.burst, Remaining: int(l.Tokens())}
	}

	tokens := l.Tokens()
	if tokens < 1 {
		return rateLimitResult{Allowed: false, Limit: rl.burst, Remaining: 0, RetryAfter: time.Second}
	}
	return rateLimitResult{Allowed: true, Limit: rl.burst, Remaining: int(tokens)}
}

// writeRateLimitExceeded writes the 429 envelope spec §4.K requires when a bucket
// is exhausted.
func writeRateLimitExceeded(w http.ResponseWriter, res rateLimitResult) {
	retryAfter := res.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	w.Header().Set("RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("RateLimit-Reset", strconv.Itoa(int(retryAfter.Seconds())))
	be := &BareError{429, "CONNECTION_LIMIT_EXCEEDED", "error.TooManyConnections", "The server has received too many requests in a given amount of time. Try again later.", ""}
	writeJSON(w, http.StatusTooManyRequests, be)
}

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/auth"
	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
)

// RateLimitConfig holds rate limiting configuration. A non-positive rate
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops the bucket of a caller that has been quiet this long.
	// Zero means ten minutes.
	IdleTTL time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
	}
}

// bucket is a token bucket. Callers hold limiter.mu.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

type limiter struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	idleTTL   time.Duration
	clock     clock.Clock
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	l := &limiter{
		rate:    cfg.RequestsPerSecond,
		burst:   float64(cfg.BurstSize),
		idleTTL: cfg.IdleTTL,
		clock:   cfg.Clock,
		buckets: make(map[string]*bucket),
	}
	if l.burst < 1 {
		l.burst = 1
	}
	if l.idleTTL <= 0 {
		l.idleTTL = 10 * time.Minute
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	return l
}

// take spends one token for key. It returns the tokens left and, when the
// request is refused, the number of seconds until a token is available.
func (l *limiter) take(key string) (remaining int, retryAfter int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.sweep(now)

	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return int(b.tokens), 0, true
	}
	return 0, secondsUntilToken(b.tokens, l.rate), false
}

func secondsUntilToken(tokens, rate float64) int {
	if rate <= 0 {
		return 1
	}
	return int(math.Ceil((1 - tokens) / rate))
}

// sweep drops idle buckets at most once per idleTTL.
func (l *limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit limits authenticated callers per user and anonymous callers per
// client IP. Refused requests get a 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, newLimiter(cfg))
}

func rateLimit(cfg RateLimitConfig, l *limiter) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.RequestsPerSecond <= 0 {
				return next(c)
			}
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			remaining, retryAfter, ok := l.take(key)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, ErrorBody{
					Error:   "rate_limited",
					Message: "too many requests, retry after " + strconv.Itoa(retryAfter) + "s",
				})
			}
			return next(c)
		}
	}
}

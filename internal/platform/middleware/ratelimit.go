package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinicops/clinicops/internal/platform/auth"
)

// RateLimitConfig bounds request throughput per operator.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimitConfig is sized for a single clinic front desk.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 50, Burst: 100}
}

// bucket is a token bucket refilled lazily on each check.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64
	lastSeen time.Time
}

func (b *bucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastSeen).Seconds() * b.rate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *bucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rate <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.rate) + 1
}

type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
	swept   time.Time
}

// sweepAfter controls how often idle operator buckets are evicted.
const sweepAfter = 10 * time.Minute

func (l *limiter) get(key string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > sweepAfter {
		for k, b := range l.buckets {
			b.mu.Lock()
			idle := now.Sub(b.lastSeen) > sweepAfter
			b.mu.Unlock()
			if idle {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:   float64(l.cfg.Burst),
			max:      float64(l.cfg.Burst),
			rate:     l.cfg.RequestsPerSecond,
			lastSeen: now,
		}
		l.buckets[key] = b
	}
	return b
}

// RateLimit throttles requests per authenticated operator, falling back to
// the client IP before authentication has run.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := &limiter{buckets: make(map[string]*bucket), cfg: cfg, swept: time.Now()}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := auth.UserIDFromContext(c.Request().Context())
			if key == "" {
				key = c.RealIP()
			}

			now := time.Now()
			b := l.get(key, now)
			if !b.take(now) {
				c.Response().Header().Set("Retry-After", strconv.Itoa(b.retryAfter()))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

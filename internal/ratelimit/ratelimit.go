// Package ratelimit provides per-caller token bucket rate limiting.
//
// Callers are keyed by the authenticated service name when a token is
// present and by client IP otherwise, so one noisy integration cannot
// starve the rest.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rfqhub/walletd/internal/auth"
	"github.com/rfqhub/walletd/internal/metrics"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained rate per caller.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until a token is available; zero when allowed.
	RetryAfter time.Duration
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds one bucket per caller key.
type Limiter struct {
	cfg     Config
	rate    float64 // tokens per second
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

// New creates a limiter and starts its janitor. Non-positive fields fall
// back to defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		rate:    float64(cfg.RequestsPerMinute) / 60,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

// idleAfter is how long a bucket takes to refill completely. An idle bucket
// older than that is indistinguishable from a new one.
func (l *Limiter) idleAfter() time.Duration {
	return time.Duration(float64(l.cfg.BurstSize) / l.rate * float64(time.Second))
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() int {
	cutoff := l.now().Add(-l.idleAfter())
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Stop stops the janitor. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Take spends one token from key's bucket if one is available.
func (l *Limiter) Take(key string) Decision {
	now := l.now()
	burst := float64(l.cfg.BurstSize)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}
	wait := time.Duration((1 - b.tokens) * float64(time.Minute) / float64(l.cfg.RequestsPerMinute))
	return Decision{RetryAfter: wait}
}

// Allow reports whether a request for key may proceed.
func (l *Limiter) Allow(key string) bool {
	return l.Take(key).Allowed
}

// Middleware limits by authenticated service, falling back to client IP.
// It must run after auth.Middleware for the service key to apply.
func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.RequestsPerMinute)
	return func(c *gin.Context) {
		kind, id := "ip", c.ClientIP()
		if sub := auth.Subject(c); sub != "" {
			kind, id = "svc", sub
		}

		d := l.Take(kind + ":" + id)
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
			c.Header("Retry-After", strconv.Itoa(max(1, int(math.Ceil(d.RetryAfter.Seconds())))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

// Package ratelimit provides per-client token bucket rate limiting for the
// settlement API. Authenticated callers are bucketed by credential, anonymous
// ones by client IP. Health checks and metrics scrapes are never limited.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// RejectionsTotal counts requests refused by the limiter, by bucket kind.
var RejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlement",
	Subsystem: "ratelimit",
	Name:      "rejections_total",
	Help:      "Requests rejected by the rate limiter, by bucket kind (ip or auth).",
}, []string{"bucket"})

func init() {
	prometheus.MustRegister(RejectionsTotal)
}

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the sustained refill rate per bucket.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
	// Exempt lists path prefixes that bypass the limiter.
	Exempt []string
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         60,
		CleanupInterval:   time.Minute,
		Exempt:            []string{"/health", "/metrics"},
	}
}

// Limiter tracks token buckets by key.
type Limiter struct {
	cfg     Config
	rate    float64 // tokens per second
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter and starts its cleanup goroutine. Call Stop when
// done.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	idle := time.Duration(float64(l.cfg.BurstSize)/l.rate*float64(time.Second)) + l.cfg.CleanupInterval
	cutoff := l.now().Add(-idle)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take consumes one token. When the bucket is empty it returns how long
// until the next token is available.
func (l *Limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), seen: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

func (l *Limiter) exempt(path string) bool {
	for _, p := range l.cfg.Exempt {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware returns a Gin middleware enforcing the limit.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.exempt(c.Request.URL.Path) {
			c.Next()
			return
		}

		kind, key := "ip", "ip:"+c.ClientIP()
		if cred := credential(c); cred != "" {
			sum := sha256.Sum256([]byte(cred))
			kind, key = "auth", "auth:"+hex.EncodeToString(sum[:8])
		}

		ok, wait := l.take(key)
		if !ok {
			RejectionsTotal.WithLabelValues(kind).Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RateLimited",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

// credential returns the caller's bearer key or admin token, if any.
func credential(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		return v
	}
	return c.GetHeader("X-Admin-Token")
}

// Package ratelimit throttles API callers with a per-key token bucket.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter, by caller kind.",
}, []string{"caller"})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting.
type Config struct {
	// RequestsPerSecond is the sustained refill rate per key.
	RequestsPerSecond float64
	// Burst is the bucket size.
	Burst int
	// IdleTTL drops buckets not touched for this long.
	IdleTTL time.Duration
	// CleanupInterval is how often idle buckets are swept.
	CleanupInterval time.Duration
}

// DefaultConfig allows rps sustained with a burst of twice that.
func DefaultConfig(rps int) Config {
	if rps <= 0 {
		rps = 100
	}
	return Config{
		RequestsPerSecond: float64(rps),
		Burst:             2 * rps,
		IdleTTL:           2 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks token buckets by key.
type Limiter struct {
	cfg     Config
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

// New creates a limiter and starts its sweeper.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.sweep()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
}

func (l *Limiter) sweep() {
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

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.Burst - 1), seen: now}
		return l.cfg.Burst > 0
	}

	b.tokens += now.Sub(b.seen).Seconds() * l.cfg.RequestsPerSecond
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware rate limits by bearer token when present, else by client IP.
// Tokens are hashed so raw credentials never sit in the bucket map.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, caller := "ip:"+c.ClientIP(), "anonymous"
		if h := c.GetHeader("Authorization"); h != "" {
			sum := sha256.Sum256([]byte(h))
			key, caller = "tok:"+hex.EncodeToString(sum[:8]), "authenticated"
		}

		if !l.Allow(key) {
			rejectedTotal.WithLabelValues(caller).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

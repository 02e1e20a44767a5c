// Package ratelimit provides per-client request throttling for the billing API.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Config configures rate limiting.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTTL controls when an idle client's bucket is forgotten.
	IdleTTL time.Duration
	// Exempt lists route patterns that are never throttled. Processor
	// webhooks are exempt: the processor retries on 429 and a throttled
	// delivery only delays reconciliation.
	Exempt []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		IdleTTL:           5 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg     Config
	limit   rate.Limit
	exempt  map[string]bool
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

// New creates a limiter and starts its idle-bucket sweeper. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	l := &Limiter{
		cfg:     cfg,
		limit:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		exempt:  make(map[string]bool, len(cfg.Exempt)),
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	for _, p := range cfg.Exempt {
		l.exempt[p] = true
	}
	go l.sweep()
	return l
}

// Stop ends the sweeper.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.IdleTTL)
			l.mu.Lock()
			for k, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Middleware throttles by API key when present, else by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(int((time.Minute / time.Duration(l.cfg.RequestsPerMinute)).Seconds()) + 1)

	return func(c *gin.Context) {
		if l.exempt[c.FullPath()] {
			c.Next()
			return
		}

		if !l.Allow(clientKey(c)) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "rate_limit_exceeded",
				"message":   "Too many requests. Please slow down.",
				"retryable": true,
			})
			return
		}
		c.Next()
	}
}

// The key never holds the raw credential.
func clientKey(c *gin.Context) string {
	if k := c.GetHeader("X-API-Key"); k != "" {
		sum := sha256.Sum256([]byte(k))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + c.ClientIP()
}

// Package ratelimit throttles marketplace API clients with per-key
// token buckets.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config bounds how fast a single client may hit the API.
type Config struct {
	// RequestsPerMinute is the sustained refill rate per key.
	RequestsPerMinute int
	// BurstSize caps how far a quiet client can get ahead of the
	// refill rate.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig averages one request per second with short bursts.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter and starts its idle-bucket sweeper.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// sweep drops buckets that have been idle long enough to be full again.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the sweeper goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow spends one token from the key's bucket, reporting whether one
// was available. A key never seen before starts with a full burst.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens: float64(l.cfg.BurstSize - 1),
			seen:   now,
		}
		return true
	}

	refill := now.Sub(b.seen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens = min(b.tokens+refill, float64(l.cfg.BurstSize))
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware throttles requests by caller identity: the Authorization
// credential when one is presented, the client IP otherwise.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if cred := c.GetHeader("Authorization"); cred != "" {
			key = "auth:" + cred[:min(20, len(cred))]
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

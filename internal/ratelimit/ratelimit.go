// Package ratelimit implements a per-key token bucket rate limiter.
// Tokens are refilled lazily on each Allow call; idle buckets are dropped by Prune.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter keeps one bucket per caller key (API key or remote address).
type Limiter struct {
	mu    sync.Mutex
	keys  map[string]*bucket
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		keys:  make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Allow consumes one token for key or returns ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.keys[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.keys[key] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune drops buckets untouched for longer than idle and returns how many
// were removed. A dropped bucket would have refilled to full anyway.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for k, b := range l.keys {
		if b.lastFill.Before(cutoff) {
			delete(l.keys, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

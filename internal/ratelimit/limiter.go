// Package ratelimit provides a process-local token bucket per provider.
package ratelimit

import (
	"sync"
	"time"
)

// bucket holds the refillable token state for one provider.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	rpm        int
	lastRefill time.Time
}

// Limiter tracks one bucket per provider. Buckets start full and reset on
// process restart; configured RPM is supplied on every Allow call so limit
// changes take effect immediately.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for the provider. rpm <= 0 means no limit is
// configured and the request is always allowed.
func (l *Limiter) Allow(provider string, rpm int) bool {
	if rpm <= 0 {
		return true
	}

	b := l.bucketFor(provider, rpm)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	// Lazy continuous refill at rpm/60 tokens per second.
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * float64(b.rpm) / 60.0
		if b.tokens > float64(b.rpm) {
			b.tokens = float64(b.rpm)
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *Limiter) bucketFor(provider string, rpm int) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider]
	if !ok {
		b = &bucket{tokens: float64(rpm), rpm: rpm, lastRefill: l.now()}
		l.buckets[provider] = b
		return b
	}
	b.mu.Lock()
	if b.rpm != rpm {
		// Limit changed: reset the bucket to the new capacity.
		b.rpm = rpm
		b.tokens = float64(rpm)
		b.lastRefill = l.now()
	}
	b.mu.Unlock()
	return b
}

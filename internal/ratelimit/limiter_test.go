package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter() (*Limiter, *time.Time) {
	l := NewLimiter()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestUnlimitedWhenNoRPM(t *testing.T) {
	l, _ := newTestLimiter()
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow("openai", 0))
	}
}

func TestBucketStartsFullAndDrains(t *testing.T) {
	l, _ := newTestLimiter()
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("openai", 5), "request %d", i)
	}
	assert.False(t, l.Allow("openai", 5), "bucket drained")
}

func TestLazyRefill(t *testing.T) {
	l, now := newTestLimiter()
	for i := 0; i < 60; i++ {
		assert.True(t, l.Allow("openai", 60))
	}
	assert.False(t, l.Allow("openai", 60))

	// 60 rpm refills one token per second
	*now = now.Add(1 * time.Second)
	assert.True(t, l.Allow("openai", 60))
	assert.False(t, l.Allow("openai", 60))

	// refill is capped at capacity
	*now = now.Add(time.Hour)
	for i := 0; i < 60; i++ {
		assert.True(t, l.Allow("openai", 60))
	}
	assert.False(t, l.Allow("openai", 60))
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter()
	assert.True(t, l.Allow("openai", 1))
	assert.False(t, l.Allow("openai", 1))
	assert.True(t, l.Allow("anthropic", 1))
}

func TestRPMChangeResetsBucket(t *testing.T) {
	l, _ := newTestLimiter()
	assert.True(t, l.Allow("openai", 1))
	assert.False(t, l.Allow("openai", 1))

	// raising the limit takes effect immediately
	assert.True(t, l.Allow("openai", 10))
}

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_Concurrency(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(100, 3)

	for i := 0; i < 3; i++ {
		allowed, reason := limiter.CheckRequestAllowed()
		assert.True(t, allowed)
		assert.Empty(t, reason)
		limiter.RecordRequestStart()
	}

	allowed, reason := limiter.CheckRequestAllowed()
	assert.False(t, allowed)
	assert.Equal(t, "too many concurrent requests", reason)

	limiter.RecordRequestEnd()
	allowed, _ = limiter.CheckRequestAllowed()
	assert.True(t, allowed)
}

func TestClientRateLimiter_Window(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(5, 10)

	for i := 0; i < 5; i++ {
		limiter.RecordRequestStart()
		limiter.RecordRequestEnd()
	}

	allowed, reason := limiter.CheckRequestAllowed()
	assert.False(t, allowed)
	assert.Equal(t, "rate limit exceeded", reason)

	// Age the window out
	limiter.mu.Lock()
	for i := range limiter.requests {
		limiter.requests[i] = limiter.requests[i].Add(-2 * time.Minute)
	}
	limiter.mu.Unlock()

	allowed, _ = limiter.CheckRequestAllowed()
	assert.True(t, allowed)
}

func TestClientRateLimiter_GetStats(t *testing.T) {
	limiter := NewClientRateLimiter()

	limiter.RecordRequestStart()
	limiter.RecordRequestStart()
	limiter.RecordRequestStart()
	limiter.RecordRequestEnd()

	requests, concurrent := limiter.GetStats()
	assert.Equal(t, 3, requests)
	assert.Equal(t, 2, concurrent)

	limiter.RecordRequestEnd()
	limiter.RecordRequestEnd()
	limiter.RecordRequestEnd()
	_, concurrent = limiter.GetStats()
	assert.Zero(t, concurrent, "never negative")
}

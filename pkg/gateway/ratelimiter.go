package gateway

import (
	"sync"
	"time"
)

// Default per-client limits
const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 10
)

// ClientRateLimiter is a sliding one-minute window plus a concurrency cap
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	concurrent        int
}

// NewClientRateLimiter creates a limiter with the default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// prune drops requests older than the window. Caller holds mu.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, at := range r.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.requests = kept
}

// CheckRequestAllowed reports whether another request may start, and why not
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.maxConcurrent {
		return false, "too many concurrent requests"
	}
	r.prune(time.Now())
	if len(r.requests) >= r.requestsPerMinute {
		return false, "rate limit exceeded"
	}
	return true, ""
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, time.Now())
	r.concurrent++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrent > 0 {
		r.concurrent--
	}
}

// GetStats returns requests in the window and requests in flight
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	return len(r.requests), r.concurrent
}

package registry

import (
	"sync"
	"time"
)

// RateLimiter caps how many events a single connection may emit inside a
// sliding window. Stamps are stored in arrival order, so expiry only ever
// trims from the front.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter builds a limiter; non-positive inputs fall back to the
// package defaults so a misconfigured caller never gets an unbounded one.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow records an event at "now" if the window still has room and reports
// whether it was admitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expire(now)
	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

// expire drops stamps that have fallen out of the window. Callers hold r.mu.
func (r *RateLimiter) expire(now time.Time) {
	cut := now.Add(-r.window)
	i := 0
	for i < len(r.stamps) && !r.stamps[i].After(cut) {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}

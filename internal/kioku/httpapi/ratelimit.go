package httpapi

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 10
	DefaultRateWindow = time.Minute
)

// RateLimiter enforces a per-owner sliding-window limit. It keeps the call
// timestamps of each owner inside the window and prunes stale ones on every
// Allow, so memory stays bounded to limit entries per active owner.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
	calls    int
}

// NewRateLimiter allows at most limit calls per owner within window.
// Non-positive arguments select the defaults (10 per minute).
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// Allow records a call by ownerID and reports whether it is within quota.
func (r *RateLimiter) Allow(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	valid := prune(r.counters[ownerID], cutoff)
	if len(valid) >= r.limit {
		r.counters[ownerID] = valid
		return false
	}
	r.counters[ownerID] = append(valid, now)

	// Drop idle owners now and then so the map does not grow forever.
	r.calls++
	if r.calls%1024 == 0 {
		for id, ts := range r.counters {
			if v := prune(ts, cutoff); len(v) == 0 {
				delete(r.counters, id)
			} else {
				r.counters[id] = v
			}
		}
	}
	return true
}

// Remaining returns how many calls ownerID may still make in the window.
func (r *RateLimiter) Remaining(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	n := 0
	for _, t := range r.counters[ownerID] {
		if t.After(cutoff) {
			n++
		}
	}
	return max(r.limit-n, 0)
}

// prune filters ts in place; callers must store the result back.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	valid := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

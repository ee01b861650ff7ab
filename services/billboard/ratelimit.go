package billboard

import (
	"sync"
	"time"
)

// RateLimitState remembers that the chart provider throttled us. While
// limited, FetchChart fails fast without touching the network.
type RateLimitState struct {
	mu           sync.Mutex
	limitedUntil time.Time
	cooldown     time.Duration
}

// NewRateLimitState creates a state that backs off for cooldown after a 429.
func NewRateLimitState(cooldown time.Duration) *RateLimitState {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &RateLimitState{cooldown: cooldown}
}

// Limited reports whether calls must be short-circuited at now, and until when.
func (r *RateLimitState) Limited(now time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limitedUntil.IsZero() {
		return time.Time{}, false
	}
	if !now.Before(r.limitedUntil) {
		r.limitedUntil = time.Time{}
		return time.Time{}, false
	}
	return r.limitedUntil, true
}

// Trip starts a cooldown at now and returns its end.
func (r *RateLimitState) Trip(now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limitedUntil = now.Add(r.cooldown)
	return r.limitedUntil
}

// Clear ends any active cooldown.
func (r *RateLimitState) Clear() {
	r.mu.Lock()
	r.limitedUntil = time.Time{}
	r.mu.Unlock()
}

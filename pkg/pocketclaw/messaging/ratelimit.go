package messaging

import (
	"context"
	"sync"
	"time"
)

// idleTTL is how long an unused key is remembered before being pruned.
const idleTTL = time.Hour

// RateLimiter enforces a minimum interval between permitted calls for the
// same key. Calls for one key are serialized in arrival order; calls for
// different keys never wait on each other.
type RateLimiter struct {
	minInterval time.Duration

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// limiterEntry is the per-key queue: slot is a single-token semaphore held
// by whichever caller is currently waiting out the interval for this key.
// last and waiters are guarded by RateLimiter.mu.
type limiterEntry struct {
	slot    chan struct{}
	last    time.Time
	waiters int
}

// NewRateLimiter creates a limiter. A non-positive interval disables waiting
// but calls for the same key are still serialized.
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	if minInterval < 0 {
		minInterval = 0
	}
	return &RateLimiter{
		minInterval: minInterval,
		entries:     make(map[string]*limiterEntry),
	}
}

// Throttle blocks until at least minInterval has elapsed since the last
// permitted call for key. Returns ctx.Err() if the context ends first; a
// cancelled call does not count as permitted.
func (r *RateLimiter) Throttle(ctx context.Context, key string) error {
	entry := r.acquireEntry(key)
	defer r.releaseEntry(key, entry)

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-entry.slot }()

	r.mu.Lock()
	last := entry.last
	r.mu.Unlock()

	if !last.IsZero() {
		if wait := r.minInterval - time.Since(last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	r.mu.Lock()
	entry.last = time.Now()
	r.mu.Unlock()
	return nil
}

// Len reports how many keys are currently tracked.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *RateLimiter) acquireEntry(key string) *limiterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(time.Now())

	entry, ok := r.entries[key]
	if !ok {
		entry = &limiterEntry{slot: make(chan struct{}, 1)}
		r.entries[key] = entry
	}
	entry.waiters++
	return entry
}

func (r *RateLimiter) releaseEntry(key string, entry *limiterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.waiters--
	if entry.waiters == 0 && entry.last.IsZero() {
		// Never permitted (cancelled before its turn), nothing to remember.
		delete(r.entries, key)
	}
}

// pruneLocked drops keys nobody is waiting on whose last permitted call is
// older than idleTTL. Caller holds r.mu.
func (r *RateLimiter) pruneLocked(now time.Time) {
	for key, entry := range r.entries {
		if entry.waiters == 0 && now.Sub(entry.last) > idleTTL {
			delete(r.entries, key)
		}
	}
}

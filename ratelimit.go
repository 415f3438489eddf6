package main

import (
	"sync"
	"time"
)

// Fixed-window rate limiting for the sensitive token endpoints. Counters are
// process-local and never evicted; a window roll simply overwrites the slot.
// The algorithm is kept independent of the counter storage so a shared
// atomic-increment store can replace the in-memory map for multi-instance
// deployments.

// CounterStore increments request counters inside clock-aligned windows.
type CounterStore interface {
	// Bump increments the counter for key within the window beginning at
	// start (unix seconds) and returns the new count. A stored counter from
	// an older window is discarded first.
	Bump(key string, start int64) int
}

type windowCount struct {
	start int64
	count int
}

type memoryCounters struct {
	mu       sync.Mutex
	counters map[string]windowCount
}

func newMemoryCounters() *memoryCounters {
	return &memoryCounters{counters: make(map[string]windowCount)}
}

func (m *memoryCounters) Bump(key string, start int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok || c.start != start {
		c = windowCount{start: start}
	}
	c.count++
	m.counters[key] = c
	return c.count
}

// FixedWindowLimiter counts requests in non-overlapping, clock-aligned
// buckets and rejects with a retry hint once a bucket is full.
type FixedWindowLimiter struct {
	store CounterStore
	now   func() time.Time
}

func NewFixedWindowLimiter() *FixedWindowLimiter {
	return &FixedWindowLimiter{store: newMemoryCounters(), now: time.Now}
}

// Check counts one request against key. Returns a *RateLimitError carrying
// the seconds until the next window boundary when the limit is exceeded.
func (l *FixedWindowLimiter) Check(key string, limit, windowSeconds int) error {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	now := l.now().Unix()
	w := int64(windowSeconds)
	start := now - (now % w)

	if l.store.Bump(key, start) > limit {
		return &RateLimitError{RetryAfter: int(start + w - now)}
	}
	return nil
}

// Limiter scope keys. Sensitive operations are gated twice: once per caller
// credential and once per (caller credential, user).
func callerLimitKey(apiKey string) string { return "key|" + apiKey }

func userLimitKey(apiKey, userID string) string { return "user|" + apiKey + "|" + userID }

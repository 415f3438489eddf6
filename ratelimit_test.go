package main

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func limiterAt(now *time.Time) *FixedWindowLimiter {
	l := NewFixedWindowLimiter()
	l.now = func() time.Time { return *now }
	return l
}

func TestFixedWindowLimit(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	l := limiterAt(&now)

	require.NoError(t, l.Check("k", 2, 60))
	require.NoError(t, l.Check("k", 2, 60))

	err := l.Check("k", 2, 60)
	require.Error(t, err)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	require.Greater(t, rle.RetryAfter, 0)
	require.LessOrEqual(t, rle.RetryAfter, 60)
}

func TestFixedWindowResetsAtBoundary(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	l := limiterAt(&now)

	require.NoError(t, l.Check("k", 1, 60))
	require.Error(t, l.Check("k", 1, 60))

	// cross into the next window
	start := now.Unix() - (now.Unix() % 60)
	now = time.Unix(start+60, 0)
	require.NoError(t, l.Check("k", 1, 60))
}

func TestFixedWindowRetryAfterShrinks(t *testing.T) {
	start := int64(1_000_020) // 20s into a 60s window
	now := time.Unix(start, 0)
	l := limiterAt(&now)

	require.NoError(t, l.Check("k", 1, 60))
	err := l.Check("k", 1, 60)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	require.Equal(t, 40, rle.RetryAfter)
}

func TestFixedWindowKeysIndependent(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	l := limiterAt(&now)

	require.NoError(t, l.Check("a", 1, 60))
	require.Error(t, l.Check("a", 1, 60))
	require.NoError(t, l.Check("b", 1, 60))
}

func TestFixedWindowDefaultsBadWindow(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	l := limiterAt(&now)
	require.NoError(t, l.Check("k", 1, 0))
	var rle *RateLimitError
	require.ErrorAs(t, l.Check("k", 1, -5), &rle)
	require.LessOrEqual(t, rle.RetryAfter, 60)
}

func TestFixedWindowConcurrent(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	l := limiterAt(&now)

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("k", 10, 60) == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, allowed)
}

func TestLimitKeys(t *testing.T) {
	require.Equal(t, "key|abc", callerLimitKey("abc"))
	require.Equal(t, "user|abc|u1", userLimitKey("abc", "u1"))
}

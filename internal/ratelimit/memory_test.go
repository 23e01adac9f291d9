package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, rate float64, burst int) *MemoryLimiter {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

// allowN calls Allow n times and returns how many were permitted.
func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestAllowIsBoundedByBurst(t *testing.T) {
	m := newLimiter(t, 10, 3)
	assert.Equal(t, 3, allowN(t, m, "heuristic", 5))
}

func TestTokensRefillOverTime(t *testing.T) {
	m := newLimiter(t, 1000, 2)
	require.Equal(t, 2, allowN(t, m, "heuristic", 3))

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, allowN(t, m, "heuristic", 2))
}

func TestTokensCapAtBurstAfterIdle(t *testing.T) {
	m := newLimiter(t, 1000, 3)
	allowN(t, m, "heuristic", 1)

	m.mu.Lock()
	m.buckets["heuristic"].lastAccess = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	assert.Equal(t, 3, allowN(t, m, "heuristic", 4))
}

func TestFamiliesArePacedIndependently(t *testing.T) {
	m := newLimiter(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "openai", 2))
	assert.Equal(t, 1, allowN(t, m, "heuristic", 2))
}

func TestSetRateOverridesOneFamily(t *testing.T) {
	m := newLimiter(t, 1, 1)
	m.SetRate("heuristic", 1, 4)

	assert.Equal(t, 4, allowN(t, m, "heuristic", 6))
	assert.Equal(t, 1, allowN(t, m, "openai", 6))
}

func TestConcurrentAllowNeverExceedsBurst(t *testing.T) {
	m := newLimiter(t, 0.001, 50)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, allowed.Load())
}

func TestEvictStaleDropsIdleUnpinnedBuckets(t *testing.T) {
	m := newLimiter(t, 10, 5)
	allowN(t, m, "idle", 1)
	allowN(t, m, "recent", 1)
	m.SetRate("pinned", 1, 1)

	m.mu.Lock()
	m.buckets["idle"].lastAccess = time.Now().Add(-2 * idleAfter)
	m.buckets["pinned"].lastAccess = time.Now().Add(-2 * idleAfter)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "idle")
	assert.Contains(t, m.buckets, "recent")
	assert.Contains(t, m.buckets, "pinned")
}

func TestWaitPacesCalls(t *testing.T) {
	// 100/s with burst 1: the second and third calls each wait ~10ms.
	m := newLimiter(t, 100, 1)
	start := time.Now()
	for range 3 {
		require.NoError(t, m.Wait(context.Background(), "heuristic"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestWaitReturnsContextError(t *testing.T) {
	m := newLimiter(t, 0.001, 1)
	require.NoError(t, m.Wait(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx, "slow"), context.DeadlineExceeded)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	ok, err := l.Allow(context.Background(), "any")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Wait(context.Background(), "any"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx, "any"))
	assert.NoError(t, l.Close())
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// idleAfter is how long a family's bucket may go unused before it is evicted.
const idleAfter = 10 * time.Minute

// bucket paces one provider family.
type bucket struct {
	tokens     float64
	rate       float64 // tokens per second
	burst      float64
	lastAccess time.Time
	pinned     bool // configured with SetRate; never evicted
}

// refill credits the tokens accrued since the last access, up to burst.
func (b *bucket) refill(now time.Time) {
	b.tokens = min(b.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*b.rate)
	b.lastAccess = now
}

// delay is the time until one token is available.
func (b *bucket) delay() time.Duration {
	if b.rate <= 0 {
		return time.Second
	}
	return time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// MemoryLimiter is a per-process token bucket keyed by provider family.
// Families share the default rate and burst unless SetRate overrides them.
// Unpinned buckets idle for ten minutes are dropped by a background sweep.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter returns a limiter allowing rate calls per second per
// family with bursts of up to burst calls. Close stops its sweep goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// SetRate overrides the pace of one family. The family's bucket starts full.
func (m *MemoryLimiter) SetRate(key string, rate float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := float64(max(burst, 1))
	m.buckets[key] = &bucket{tokens: b, rate: rate, burst: b, lastAccess: time.Now(), pinned: true}
}

// Allow takes a token for key if one is available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	wait := m.take(key, time.Now())
	return wait == 0, nil
}

// Wait blocks until key has a token, then takes it.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	for {
		wait := m.take(key, time.Now())
		if wait == 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// take consumes a token and returns 0, or returns how long to wait.
func (m *MemoryLimiter) take(key string, now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, rate: m.rate, burst: m.burst, lastAccess: now}
		m.buckets[key] = b
	}
	b.refill(now)
	if b.tokens < 1 {
		return b.delay()
	}
	b.tokens--
	return 0
}

// Close stops the sweep goroutine. It is idempotent.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	cutoff := time.Now().Add(-idleAfter)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if !b.pinned && b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

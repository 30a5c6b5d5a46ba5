package ratelimit

import (
	"context"
	"sync"
	"time"
)

const pruneEvery = 1024

type bucket struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

// Memory keeps buckets in process memory. Correct only when a single process enforces the limit.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	ops     uint64
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock is NewMemory with an injectable clock for tests.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{buckets: map[string]*bucket{}, now: now}
}

func (m *Memory) Check(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if err := validate(key, limit, window); err != nil {
		return Decision{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.ops++
	if m.ops%pruneEvery == 0 {
		m.pruneLocked(now)
	}

	b := m.buckets[key]
	if b == nil || !now.Before(b.windowStart.Add(b.window)) {
		m.buckets[key] = &bucket{windowStart: now, window: window, count: 1}
		return Decision{Allowed: true, Count: 1}, nil
	}

	b.count++
	if b.count <= limit {
		return Decision{Allowed: true, Count: b.count}, nil
	}
	retry := b.windowStart.Add(b.window).Sub(now)
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: retry, Count: b.count}, nil
}

// Len reports the number of live buckets.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *Memory) pruneLocked(now time.Time) {
	for k, b := range m.buckets {
		if !now.Before(b.windowStart.Add(b.window)) {
			delete(m.buckets, k)
		}
	}
}

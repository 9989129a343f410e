package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory.
//
// A Rule of N per window becomes a bucket of capacity N refilled at
// N/window tokens per second, so a quiet key can burst to N and a busy key
// settles at the rule's average rate.
type MemoryLimiter struct {
	perSecond float64
	capacity  float64
	idleAfter time.Duration
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter enforcing rule per key and starts a
// janitor that forgets keys idle for longer than rule.Window.
// Call Close to stop it.
func NewMemoryLimiter(rule Rule) *MemoryLimiter {
	window := rule.Window
	if window <= 0 {
		window = time.Minute
	}
	m := &MemoryLimiter{
		perSecond: float64(rule.Limit) / window.Seconds(),
		capacity:  float64(rule.Limit),
		idleAfter: window,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		done:      make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow takes one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.capacity, seen: now}
		m.buckets[key] = b
	}

	b.tokens = min(m.capacity, b.tokens+now.Sub(b.seen).Seconds()*m.perSecond)
	b.seen = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the janitor. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.forgetIdle()
		}
	}
}

func (m *MemoryLimiter) forgetIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.idleAfter)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

// Package statuscache holds the latest progress update per run and fans
// updates out to live subscribers.
package statuscache

import (
	"context"
	"sync"
	"time"

	"github.com/symbolicai/demoflow/internal/model"
)

// Cache stores the latest update per run.
type Cache interface {
	Put(ctx context.Context, u model.StatusUpdate) error
	Get(ctx context.Context, runID string) (model.StatusUpdate, bool, error)
	// Subscribe delivers every later Put for runID until cancel is called.
	Subscribe(runID string) (updates <-chan model.StatusUpdate, cancel func())
}

// DefaultTTL is how long an update stays readable after its last Put.
const DefaultTTL = time.Hour

const subscriberBuffer = 16

type entry struct {
	update  model.StatusUpdate
	expires time.Time
}

// Memory is a process-local Cache.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	subs    map[string]map[chan model.StatusUpdate]struct{}
}

var _ Cache = (*Memory)(nil)

// NewMemory creates a Memory cache. ttl <= 0 selects DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
		subs:    make(map[string]map[chan model.StatusUpdate]struct{}),
	}
}

// Put stores u and sends it to current subscribers of u.RunID. A subscriber
// whose buffer is full misses the update rather than stalling the caller.
func (m *Memory) Put(_ context.Context, u model.StatusUpdate) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[u.RunID] = entry{update: u, expires: m.now().Add(m.ttl)}
	for ch := range m.subs[u.RunID] {
		select {
		case ch <- u:
		default:
		}
	}
	return nil
}

// Get returns the latest unexpired update for runID.
func (m *Memory) Get(_ context.Context, runID string) (model.StatusUpdate, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[runID]
	if !ok {
		return model.StatusUpdate{}, false, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, runID)
		return model.StatusUpdate{}, false, nil
	}
	return e.update, true, nil
}

// Subscribe implements Cache. Calling cancel more than once is safe.
func (m *Memory) Subscribe(runID string) (<-chan model.StatusUpdate, func()) {
	ch := make(chan model.StatusUpdate, subscriberBuffer)
	m.mu.Lock()
	if m.subs[runID] == nil {
		m.subs[runID] = make(map[chan model.StatusUpdate]struct{})
	}
	m.subs[runID][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[runID], ch)
			if len(m.subs[runID]) == 0 {
				delete(m.subs, runID)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Prune drops expired entries and returns how many were removed.
func (m *Memory) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type usageRow struct {
	id        uuid.UUID
	userID    uuid.UUID
	action    string
	createdAt time.Time
}

// MemoryStore is a process-local Store for tests and single-instance runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows []usageRow
	now  func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) countLocked(userID uuid.UUID, action string, since time.Time) int {
	n := 0
	for _, r := range s.rows {
		if r.userID == userID && r.action == action && !r.createdAt.Before(since) {
			n++
		}
	}
	return n
}

// CountRateLimitUsage implements Store.
func (s *MemoryStore) CountRateLimitUsage(_ context.Context, userID uuid.UUID, action string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(userID, action, since), nil
}

// InsertRateLimitUsage implements Store.
func (s *MemoryStore) InsertRateLimitUsage(_ context.Context, userID uuid.UUID, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, usageRow{id: uuid.New(), userID: userID, action: action, createdAt: s.now()})
	return nil
}

// ReserveRateLimit implements Store.
func (s *MemoryStore) ReserveRateLimit(_ context.Context, userID uuid.UUID, action string, limit int, window time.Duration) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.countLocked(userID, action, now.Add(-window)) >= limit {
		return uuid.Nil, false, nil
	}
	id := uuid.New()
	s.rows = append(s.rows, usageRow{id: id, userID: userID, action: action, createdAt: now})
	return id, true, nil
}

// DeleteRateLimitUsage implements Store.
func (s *MemoryStore) DeleteRateLimitUsage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if r.id == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

// Prune drops rows older than olderThan.
func (s *MemoryStore) Prune(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	kept := s.rows[:0]
	for _, r := range s.rows {
		if !r.createdAt.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(s.rows) - len(kept)
	s.rows = kept
	return removed
}

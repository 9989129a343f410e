package demoruns_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/storage"
	"github.com/symbolicai/demoflow/internal/webhook"
)

// memStore mirrors the storage package's row semantics in memory.
type memStore struct {
	mu     sync.Mutex
	now    func() time.Time
	runs   map[uuid.UUID]model.DemoRun
	audits []model.AuditEntry

	failCreate error
	// readGate, when set, holds GetRunForUser until closed or ctx ends.
	// Each blocked read sends on reading first.
	readGate chan struct{}
	reading  chan struct{}
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, runs: make(map[uuid.UUID]model.DemoRun)}
}

func (s *memStore) CreateRun(_ context.Context, run model.DemoRun) (model.DemoRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return model.DemoRun{}, s.failCreate
	}
	run.ID = uuid.New()
	run.Status = model.RunStatusQueued
	if run.Priority == "" {
		run.Priority = model.PriorityNormal
	}
	run.CreatedAt = s.now()
	run.UpdatedAt = run.CreatedAt
	s.runs[run.ID] = run
	return run, nil
}

func (s *memStore) GetRun(_ context.Context, id uuid.UUID) (model.DemoRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.DemoRun{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *memStore) GetRunForUser(ctx context.Context, id, userID uuid.UUID) (model.DemoRun, error) {
	s.mu.Lock()
	gate, reading := s.readGate, s.reading
	s.mu.Unlock()
	if gate != nil {
		reading <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return model.DemoRun{}, ctx.Err()
		}
	}
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return model.DemoRun{}, err
	}
	if run.UserID != userID {
		return model.DemoRun{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *memStore) LatestRunForUser(_ context.Context, userID uuid.UUID, demoID string) (model.DemoRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest model.DemoRun
		found  bool
	)
	for _, r := range s.runs {
		if r.UserID != userID || (demoID != "" && r.DemoID != demoID) {
			continue
		}
		if !found || r.CreatedAt.After(latest.CreatedAt) {
			latest, found = r, true
		}
	}
	if !found {
		return model.DemoRun{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *memStore) UpdateRunStatus(_ context.Context, u storage.RunUpdate) (model.DemoRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[u.ID]
	if !ok {
		return model.DemoRun{}, storage.ErrNotFound
	}
	if u.From != nil && !slices.Contains(u.From, run.Status) {
		return model.DemoRun{}, storage.ErrStatusConflict
	}
	now := s.now()
	run.Status = u.Status
	if u.MarkStarted && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if u.Status.IsTerminal() {
		run.CompletedAt = &now
	}
	if u.Status == model.RunStatusSucceeded {
		run.OutputData = u.OutputData
		if len(run.OutputData) == 0 {
			run.OutputData = json.RawMessage("{}")
		}
	}
	if u.Status == model.RunStatusFailed {
		run.ErrorMessage = u.ErrorMessage
	}
	run.UpdatedAt = now
	s.runs[u.ID] = run
	return run, nil
}

func (s *memStore) MarkRunning(ctx context.Context, id uuid.UUID) (model.DemoRun, error) {
	return s.UpdateRunStatus(ctx, storage.RunUpdate{
		ID: id, Status: model.RunStatusRunning, From: []model.RunStatus{model.RunStatusQueued}, MarkStarted: true,
	})
}

func (s *memStore) MarkDispatchFailed(ctx context.Context, id uuid.UUID, message string) (model.DemoRun, error) {
	return s.UpdateRunStatus(ctx, storage.RunUpdate{
		ID: id, Status: model.RunStatusFailed, From: []model.RunStatus{model.RunStatusQueued}, ErrorMessage: &message,
	})
}

func (s *memStore) ListExpiredRuns(_ context.Context, now time.Time, limit int) ([]model.DemoRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DemoRun
	for _, r := range s.runs {
		if !r.Status.IsTerminal() && r.Deadline().Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ExpireRun(ctx context.Context, id uuid.UUID, message string) (model.DemoRun, error) {
	return s.UpdateRunStatus(ctx, storage.RunUpdate{
		ID: id, Status: model.RunStatusFailed,
		From:         []model.RunStatus{model.RunStatusQueued, model.RunStatusRunning},
		ErrorMessage: &message,
	})
}

func (s *memStore) InsertAudit(_ context.Context, userID *uuid.UUID, action string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, model.AuditEntry{UserID: userID, Action: action, Details: details, CreatedAt: s.now()})
	return nil
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		out = append(out, a.Action)
	}
	return out
}

func (s *memStore) gateReads() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.readGate = gate
	s.reading = make(chan struct{}, 8)
	s.mu.Unlock()
	return func() { close(gate) }
}

func (s *memStore) auditsFor(action string) []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEntry
	for _, a := range s.audits {
		if a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// recordingDispatcher captures jobs instead of sending them.
type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []webhook.Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job webhook.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

var errNotConfigured = errors.New("webhook: not configured")

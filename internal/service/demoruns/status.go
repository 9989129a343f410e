package demoruns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/storage"
)

// readTimeout bounds a shared run read once no caller can cancel it.
const readTimeout = 5 * time.Second

// Status returns the owner's view of a run. Runs owned by someone else are
// indistinguishable from runs that do not exist.
func (s *Service) Status(ctx context.Context, userID, runID uuid.UUID) (model.RunStatusResponse, error) {
	run, err := s.loadRun(ctx, userID, runID)
	if err != nil {
		return model.RunStatusResponse{}, err
	}
	return model.NewRunStatusResponse(run), nil
}

// loadRun reads an owned run. Identical concurrent reads share one query,
// which runs detached from any single caller so one client hanging up does
// not fail the others. Each caller still stops waiting when its own ctx ends.
func (s *Service) loadRun(ctx context.Context, userID, runID uuid.UUID) (model.DemoRun, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.reads.DoChan(userID.String()+"/"+runID.String(), func() (any, error) {
		qctx, cancel := context.WithTimeout(shared, readTimeout)
		defer cancel()
		return s.store.GetRunForUser(qctx, runID, userID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return model.DemoRun{}, fmt.Errorf("demoruns: status: %w", ctx.Err())
	}
	if errors.Is(res.Err, storage.ErrNotFound) {
		return model.DemoRun{}, ErrRunNotFound
	}
	if res.Err != nil {
		return model.DemoRun{}, fmt.Errorf("demoruns: status: %w", res.Err)
	}
	return res.Val.(model.DemoRun), nil
}

// Latest returns the caller's most recent run, optionally for one demo.
func (s *Service) Latest(ctx context.Context, userID uuid.UUID, demoID string) (model.LatestRunResponse, error) {
	run, err := s.store.LatestRunForUser(ctx, userID, demoID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.LatestRunResponse{}, ErrRunNotFound
	}
	if err != nil {
		return model.LatestRunResponse{}, fmt.Errorf("demoruns: latest: %w", err)
	}
	return model.LatestRunResponse{
		RunID:     run.ID,
		DemoID:    run.DemoID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
	}, nil
}

// Watch subscribes the owner of runID to its progress updates. current is
// the cached update, or a snapshot of the stored run when the cache has
// nothing newer. A finished run always yields a terminal current. The caller
// must call cancel.
func (s *Service) Watch(ctx context.Context, userID, runID uuid.UUID) (current *model.StatusUpdate, updates <-chan model.StatusUpdate, cancel func(), err error) {
	run, err := s.loadRun(ctx, userID, runID)
	if err != nil {
		return nil, nil, nil, err
	}
	// Subscribe before reading the cache so no update falls in between.
	updates, cancel = s.cache.Subscribe(runID.String())
	cached, ok, err := s.cache.Get(ctx, runID.String())
	if err != nil {
		s.logger.Warn("status cache get failed", "run_id", runID, "error", err)
	}
	// A run finished elsewhere can leave a stale progress entry behind.
	if ok && (model.RunStatus(cached.Status).IsTerminal() || !run.Status.IsTerminal()) {
		return &cached, updates, cancel, nil
	}
	snapshot := snapshotUpdate(run, s.now())
	return &snapshot, updates, cancel, nil
}

// snapshotUpdate describes a stored run as a status update, for streams
// opened when the cache holds nothing for it.
func snapshotUpdate(run model.DemoRun, now time.Time) model.StatusUpdate {
	if run.Status.IsTerminal() {
		return terminalUpdate(run, now)
	}
	msg := "Demo run is queued"
	if run.Status == model.RunStatusRunning {
		msg = "Demo run is in progress"
	}
	return model.StatusUpdate{
		RunID:         run.ID.String(),
		Status:        string(run.Status),
		StatusMessage: msg,
		Timestamp:     run.UpdatedAt.UTC(),
	}
}

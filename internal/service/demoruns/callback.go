package demoruns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/symbolicai/demoflow/internal/catalog"
	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/storage"
)

// lookupRun parses the path id and loads the run. A malformed id is
// reported the same as an unknown one.
func (s *Service) lookupRun(ctx context.Context, pathRunID string) (model.DemoRun, error) {
	id, err := uuid.Parse(pathRunID)
	if err != nil {
		return model.DemoRun{}, ErrRunNotFound
	}
	run, err := s.store.GetRun(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.DemoRun{}, ErrRunNotFound
	}
	if err != nil {
		return model.DemoRun{}, fmt.Errorf("demoruns: get run: %w", err)
	}
	return run, nil
}

// Callback applies the engine's final report for a run. The caller has
// already verified the request signature over body.
func (s *Service) Callback(ctx context.Context, pathRunID string, body []byte) (model.CallbackResponse, error) {
	ctx, span := s.tracer.Start(ctx, "demoruns.Callback", trace.WithAttributes(attribute.String("run_id", pathRunID)))
	defer span.End()

	run, err := s.lookupRun(ctx, pathRunID)
	if err != nil {
		return model.CallbackResponse{}, err
	}

	var req model.CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return model.CallbackResponse{}, &catalog.ValidationError{Fields: map[string]string{"body": "must be a valid JSON object"}}
	}
	if err := catalog.Struct(&req); err != nil {
		return model.CallbackResponse{}, err
	}
	if req.RunID != pathRunID && !sameUUID(req.RunID, run.ID) {
		return model.CallbackResponse{}, ErrRunIDMismatch
	}

	hasOutput := len(bytes.TrimSpace(req.OutputData)) > 0 && string(bytes.TrimSpace(req.OutputData)) != "null"
	if hasOutput {
		if err := catalog.ValidateOutput(run.DemoID, req.OutputData); err != nil {
			return model.CallbackResponse{}, err
		}
	}

	update := storage.RunUpdate{
		ID:           run.ID,
		Status:       req.Status,
		MarkStarted:  req.Status != model.RunStatusQueued,
		ErrorMessage: req.ErrorMessage,
	}
	if hasOutput {
		update.OutputData = req.OutputData
	}

	hops, routeErr := model.Route(run.Status, req.Status)
	switch {
	case routeErr == nil:
		// Guard on the status just read so a concurrent writer cannot be
		// overwritten.
		update.From = []model.RunStatus{run.Status}
		span.SetAttributes(attribute.Int("hops", len(hops)))
	case s.lenient:
		s.logger.Warn("applying status outside the lifecycle table",
			"run_id", run.ID, "from", run.Status, "to", req.Status)
	default:
		return model.CallbackResponse{}, fmt.Errorf("%w: %w", ErrInvalidTransition, routeErr)
	}

	updated, err := s.store.UpdateRunStatus(ctx, update)
	if errors.Is(err, storage.ErrStatusConflict) {
		return model.CallbackResponse{}, fmt.Errorf("%w: run changed to another status concurrently", ErrInvalidTransition)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return model.CallbackResponse{}, ErrRunNotFound
	}
	if err != nil {
		return model.CallbackResponse{}, fmt.Errorf("demoruns: update run: %w", err)
	}
	s.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(updated.Status))))

	details := map[string]any{
		"runId":  run.ID,
		"status": updated.Status,
	}
	if req.ExecutionTime != nil {
		details["executionTime"] = *req.ExecutionTime
	}
	s.audit(ctx, &run.UserID, model.AuditDemoCallbackReceived, details)
	s.publish(ctx, terminalUpdate(updated, s.now()))

	s.logger.Info("demo run callback applied", "run_id", run.ID, "from", run.Status, "to", updated.Status)
	return model.CallbackResponse{Success: true, Message: CallbackMessage}, nil
}

func sameUUID(s string, id uuid.UUID) bool {
	parsed, err := uuid.Parse(s)
	return err == nil && parsed == id
}

// Progress records an intermediate report from the engine, moving a queued
// run to running. The caller has already verified the request signature.
func (s *Service) Progress(ctx context.Context, pathRunID string, body []byte) (model.ProgressResponse, error) {
	run, err := s.lookupRun(ctx, pathRunID)
	if err != nil {
		return model.ProgressResponse{}, err
	}

	var u model.StatusUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return model.ProgressResponse{}, &catalog.ValidationError{Fields: map[string]string{"body": "must be a valid JSON object"}}
	}
	if u.RunID == "" || u.Status == "" || u.StatusMessage == "" {
		return model.ProgressResponse{}, fmt.Errorf("%w: runId, status, statusMessage", ErrMissingFields)
	}
	if u.RunID != pathRunID && !sameUUID(u.RunID, run.ID) {
		return model.ProgressResponse{}, ErrRunIDMismatch
	}
	u.RunID = run.ID.String()
	if u.Timestamp.IsZero() {
		u.Timestamp = s.now().UTC()
	}

	if run.Status == model.RunStatusQueued {
		if _, err := s.store.MarkRunning(ctx, run.ID); err != nil && !errors.Is(err, storage.ErrStatusConflict) {
			s.logger.Warn("progress: mark running failed", "run_id", run.ID, "error", err)
		}
	}

	s.publish(ctx, u)
	s.audit(ctx, &run.UserID, model.AuditDemoProgressReceived, map[string]any{
		"runId":  run.ID,
		"status": u.Status,
	})
	return model.ProgressResponse{Success: true, Message: ProgressMessage, RunID: u.RunID}, nil
}

package demoruns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/symbolicai/demoflow/internal/catalog"
	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/storage"
	"github.com/symbolicai/demoflow/internal/webhook"
)

// Start queues a run of demoID for userID and hands it to the engine.
//
// The rate limit is checked first so a throttled caller learns nothing about
// demo ids or payload validity. The reservation is returned if the request
// fails before a row exists.
func (s *Service) Start(ctx context.Context, userID uuid.UUID, demoID string, req model.StartRunRequest) (model.StartRunResponse, error) {
	ctx, span := s.tracer.Start(ctx, "demoruns.Start", trace.WithAttributes(attribute.String("demo_id", demoID)))
	defer span.End()

	res := s.limiter.Reserve(ctx, userID, s.rule)
	if !res.Allowed {
		return model.StartRunResponse{}, ErrRateLimited
	}
	created := false
	defer func() {
		if !created {
			s.limiter.Release(context.WithoutCancel(ctx), res)
		}
	}()

	demo, ok := catalog.Runnable(demoID)
	if !ok {
		return model.StartRunResponse{}, fmt.Errorf("%w: %s", ErrUnknownDemo, demoID)
	}

	timeout := demo.TimeoutSeconds
	priority := model.PriorityNormal
	if req.Options != nil {
		if err := catalog.Struct(req.Options); err != nil {
			return model.StartRunResponse{}, optionsError(err)
		}
		if req.Options.Timeout != nil {
			timeout = *req.Options.Timeout
		}
		if req.Options.Priority != "" {
			priority = req.Options.Priority
		}
	}
	if err := catalog.ValidateInput(demoID, req.InputData); err != nil {
		return model.StartRunResponse{}, err
	}

	input := req.InputData
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}
	run, err := s.store.CreateRun(ctx, model.DemoRun{
		UserID:         userID,
		DemoID:         demoID,
		Status:         model.RunStatusQueued,
		InputData:      input,
		TimeoutSeconds: timeout,
		Priority:       priority,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create run")
		return model.StartRunResponse{}, fmt.Errorf("demoruns: create run: %w", err)
	}
	created = true
	span.SetAttributes(attribute.String("run_id", run.ID.String()))
	s.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("demo_id", demoID)))

	s.audit(ctx, &userID, model.AuditDemoExecutionStarted, map[string]any{
		"demoId":    demoID,
		"runId":     run.ID,
		"inputData": input,
	})

	if err := s.dispatcher.Dispatch(ctx, webhook.Job{Run: run, Demo: demo, Options: req.Options}); err != nil {
		// Nothing was sent, so the run can never complete.
		s.DispatchFailed(ctx, run.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch")
		return model.StartRunResponse{}, fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	s.logger.Info("demo run queued", "run_id", run.ID, "demo_id", demoID, "user_id", userID)
	return model.StartRunResponse{
		ID:                run.ID,
		Status:            model.RunStatusQueued,
		DemoID:            demoID,
		Message:           StartedMessage,
		EstimatedDuration: timeout,
	}, nil
}

// optionsError prefixes option field names so they read as options.timeout.
func optionsError(err error) error {
	var verr *catalog.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	out := &catalog.ValidationError{Fields: make(map[string]string, len(verr.Fields))}
	for k, v := range verr.Fields {
		out.Fields["options."+k] = v
	}
	return out
}

// DispatchFailed marks a run failed after its webhook delivery failed for
// good. A run the engine already reported on is left as it is.
func (s *Service) DispatchFailed(ctx context.Context, runID uuid.UUID, cause error) {
	run, err := s.store.MarkDispatchFailed(ctx, runID, webhook.DispatchFailedMessage)
	if errors.Is(err, storage.ErrStatusConflict) {
		s.logger.Info("dispatch failure ignored, run already progressed", "run_id", runID, "cause", cause)
		return
	}
	if err != nil {
		s.logger.Error("failed to mark run failed after dispatch error", "run_id", runID, "cause", cause, "error", err)
		return
	}
	s.dispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("demo_id", run.DemoID)))
	s.audit(ctx, &run.UserID, model.AuditDemoDispatchFailed, map[string]any{
		"demoId": run.DemoID,
		"runId":  run.ID,
		"error":  cause.Error(),
	})
	s.publish(ctx, terminalUpdate(run, s.now()))
}

// Package demoruns orchestrates the demo run lifecycle: starting a run,
// accepting the automation engine's callbacks and progress reports, serving
// status reads, and expiring runs that outlive their timeout.
//
// Both the HTTP API and the MCP server call into this package.
package demoruns

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/symbolicai/demoflow/internal/ctxutil"
	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/ratelimit"
	"github.com/symbolicai/demoflow/internal/statuscache"
	"github.com/symbolicai/demoflow/internal/storage"
	"github.com/symbolicai/demoflow/internal/telemetry"
	"github.com/symbolicai/demoflow/internal/webhook"
)

// Sentinel errors. The HTTP layer maps each to a status code and error code.
var (
	ErrRateLimited       = errors.New("demoruns: rate limit exceeded")
	ErrUnknownDemo       = errors.New("demoruns: unknown demo id")
	ErrRunNotFound       = errors.New("demoruns: run not found")
	ErrRunIDMismatch     = errors.New("demoruns: run id mismatch")
	ErrInvalidTransition = errors.New("demoruns: invalid status transition")
	ErrMissingFields     = errors.New("demoruns: missing required fields")
	ErrDispatch          = errors.New("demoruns: dispatch failed")
)

// Messages stored on runs and returned to callers.
const (
	StartedMessage       = "Demo execution started successfully"
	CallbackMessage      = "Callback processed successfully"
	ProgressMessage      = "Status update received and stored"
	TimedOutMessage      = "Demo run timed out"
	NoLatestRunMessage   = "No runId found"
	defaultSweepBatch    = 100
	defaultRateRetention = 24 * time.Hour
)

// Store is the persistence surface the service needs. storage.DB satisfies it.
type Store interface {
	CreateRun(ctx context.Context, run model.DemoRun) (model.DemoRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.DemoRun, error)
	GetRunForUser(ctx context.Context, id, userID uuid.UUID) (model.DemoRun, error)
	LatestRunForUser(ctx context.Context, userID uuid.UUID, demoID string) (model.DemoRun, error)
	UpdateRunStatus(ctx context.Context, u storage.RunUpdate) (model.DemoRun, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (model.DemoRun, error)
	MarkDispatchFailed(ctx context.Context, id uuid.UUID, message string) (model.DemoRun, error)
	ListExpiredRuns(ctx context.Context, now time.Time, limit int) ([]model.DemoRun, error)
	ExpireRun(ctx context.Context, id uuid.UUID, message string) (model.DemoRun, error)
	InsertAudit(ctx context.Context, userID *uuid.UUID, action string, details map[string]any) error
}

// Maintainer prunes bookkeeping tables. Optional.
type Maintainer interface {
	PruneRateLimits(ctx context.Context, olderThan time.Duration) (int64, error)
	CleanupIdempotencyKeys(ctx context.Context, ttl time.Duration) (int64, error)
}

// Limiter admits demo starts atomically.
type Limiter interface {
	Reserve(ctx context.Context, userID uuid.UUID, rule ratelimit.Rule) ratelimit.Reservation
	Release(ctx context.Context, res ratelimit.Reservation)
}

// Dispatcher hands a run to the automation engine without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job webhook.Job) error
}

// Config holds the service's collaborators and policy switches.
type Config struct {
	Store      Store
	Limiter    Limiter
	Dispatcher Dispatcher
	Cache      statuscache.Cache
	Maintainer Maintainer
	Logger     *slog.Logger

	// Rule gates Start. Zero selects ratelimit.DemoExecutionRule.
	Rule ratelimit.Rule
	// LenientTransitions applies callback statuses the lifecycle table
	// rejects, logging a warning instead of failing the callback.
	LenientTransitions bool
	SweepBatchSize     int
	IdempotencyTTL     time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service implements the run lifecycle.
type Service struct {
	store      Store
	limiter    Limiter
	dispatcher Dispatcher
	cache      statuscache.Cache
	maintainer Maintainer
	logger     *slog.Logger

	rule      ratelimit.Rule
	lenient   bool
	batchSize int
	idemTTL   time.Duration
	now       func() time.Time

	reads  singleflight.Group
	tracer trace.Tracer

	runsStarted      metric.Int64Counter
	callbacks        metric.Int64Counter
	dispatchFailures metric.Int64Counter
	runsExpired      metric.Int64Counter
}

// New creates a Service. Dispatcher may be set later with SetDispatcher
// when the dispatcher itself needs the service as its failure handler.
func New(cfg Config) *Service {
	if cfg.Rule.Action == "" {
		cfg.Rule = ratelimit.DemoExecutionRule
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaultSweepBatch
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = statuscache.NewMemory(0)
	}

	meter := telemetry.Meter("demoflow/demoruns")
	s := &Service{
		store:      cfg.Store,
		limiter:    cfg.Limiter,
		dispatcher: cfg.Dispatcher,
		cache:      cfg.Cache,
		maintainer: cfg.Maintainer,
		logger:     cfg.Logger,
		rule:       cfg.Rule,
		lenient:    cfg.LenientTransitions,
		batchSize:  cfg.SweepBatchSize,
		idemTTL:    cfg.IdempotencyTTL,
		now:        cfg.Now,
		tracer:     telemetry.Tracer("demoflow/demoruns"),
	}
	s.runsStarted, _ = meter.Int64Counter("demoflow.runs.started",
		metric.WithDescription("Demo runs queued"))
	s.callbacks, _ = meter.Int64Counter("demoflow.runs.callbacks",
		metric.WithDescription("Callbacks applied to runs"))
	s.dispatchFailures, _ = meter.Int64Counter("demoflow.runs.dispatch_failures",
		metric.WithDescription("Runs failed because the engine could not be reached"))
	s.runsExpired, _ = meter.Int64Counter("demoflow.runs.expired",
		metric.WithDescription("Runs failed by the timeout sweep"))
	return s
}

// SetDispatcher installs the dispatcher. Call before serving traffic.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// Cache exposes the status cache for event streams.
func (s *Service) Cache() statuscache.Cache { return s.cache }

// audit writes an audit entry tagged with the originating request.
// Failures are logged and never surface.
func (s *Service) audit(ctx context.Context, userID *uuid.UUID, action string, details map[string]any) {
	if meta, ok := ctxutil.RequestMetaFromContext(ctx); ok {
		details["requestId"] = meta.RequestID
		details["endpoint"] = meta.HTTPMethod + " " + meta.Endpoint
	}
	if err := s.store.InsertAudit(ctx, userID, action, details); err != nil {
		s.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// publish caches u. Failures are logged and never surface.
func (s *Service) publish(ctx context.Context, u model.StatusUpdate) {
	if err := s.cache.Put(ctx, u); err != nil {
		s.logger.Warn("status cache put failed", "run_id", u.RunID, "error", err)
	}
}

func terminalUpdate(run model.DemoRun, now time.Time) model.StatusUpdate {
	msg := "Run " + string(run.Status)
	if run.ErrorMessage != nil {
		msg = *run.ErrorMessage
	}
	return model.StatusUpdate{
		RunID:         run.ID.String(),
		Status:        string(run.Status),
		StatusMessage: msg,
		Timestamp:     now.UTC(),
	}
}

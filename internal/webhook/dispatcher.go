package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/telemetry"
)

// DispatchFailedMessage is stored on runs whose request never reached the engine.
const DispatchFailedMessage = "Failed to initiate demo execution"

// Job is one run waiting to be delivered.
type Job struct {
	Run     model.DemoRun
	Demo    model.DemoConfig
	Options *model.RunOptions
}

// Payload is the JSON body posted to the automation engine.
type Payload struct {
	RunID      uuid.UUID         `json:"runId"`
	UserID     uuid.UUID         `json:"userId"`
	DemoID     string            `json:"demoId"`
	DemoConfig PayloadDemo       `json:"demoConfig"`
	InputData  json.RawMessage   `json:"inputData"`
	Options    *model.RunOptions `json:"options,omitempty"`
	Callback   PayloadCallback   `json:"callback"`
	Timestamp  time.Time         `json:"timestamp"`
}

// PayloadDemo is the slice of the registry entry the engine needs.
type PayloadDemo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Timeout     int    `json:"timeout"`
	MaxRetries  int    `json:"maxRetries"`
}

// PayloadCallback tells the engine where and how to report back.
type PayloadCallback struct {
	URL         string `json:"url"`
	ProgressURL string `json:"progressUrl"`
	SigningKey  string `json:"signingKey"`
}

// KeySource derives the per-run callback signing key.
type KeySource interface {
	RunKey(runID string) string
}

// FailureHandler is told about runs whose delivery failed for good.
type FailureHandler interface {
	DispatchFailed(ctx context.Context, runID uuid.UUID, cause error)
}

// FailureFunc adapts a function to FailureHandler.
type FailureFunc func(ctx context.Context, runID uuid.UUID, cause error)

// DispatchFailed implements FailureHandler.
func (f FailureFunc) DispatchFailed(ctx context.Context, runID uuid.UUID, cause error) {
	f(ctx, runID, cause)
}

// StatusError is a non-2xx reply from the engine.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook: engine responded %d: %s", e.StatusCode, e.Body)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Resolver *Resolver
	Keys     KeySource
	// BaseURL is the public origin callback URLs are built from.
	BaseURL   string
	OnFailure FailureHandler
	Logger    *slog.Logger
	// Client defaults to an otelhttp-instrumented client.
	Client *http.Client
	// RetryBase is the first backoff step. Defaults to 500ms.
	RetryBase time.Duration
}

// Dispatcher posts run requests without blocking the caller.
type Dispatcher struct {
	cfg    DispatcherConfig
	client *http.Client
	wg     sync.WaitGroup

	root   context.Context
	cancel context.CancelFunc

	attempts metric.Int64Counter
	failures metric.Int64Counter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	root, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{cfg: cfg, client: cfg.Client, root: root, cancel: cancel}

	meter := telemetry.Meter("demoflow/webhook")
	d.attempts, _ = meter.Int64Counter("demoflow.webhook.attempts",
		metric.WithDescription("Outbound webhook delivery attempts"))
	d.failures, _ = meter.Int64Counter("demoflow.webhook.failures",
		metric.WithDescription("Runs whose webhook delivery failed"))
	return d
}

// BuildPayload assembles the body for job.
func (d *Dispatcher) BuildPayload(job Job) Payload {
	runID := job.Run.ID.String()
	base := strings.TrimRight(d.cfg.BaseURL, "/")
	return Payload{
		RunID:  job.Run.ID,
		UserID: job.Run.UserID,
		DemoID: job.Run.DemoID,
		DemoConfig: PayloadDemo{
			Name:        job.Demo.Name,
			Description: job.Demo.Description,
			Timeout:     job.Demo.TimeoutSeconds,
			MaxRetries:  job.Demo.MaxRetries,
		},
		InputData: job.Run.InputData,
		Options:   job.Options,
		Callback: PayloadCallback{
			URL:         base + "/demos/" + runID + "/callback",
			ProgressURL: base + "/demos/" + runID + "/progress",
			SigningKey:  d.cfg.Keys.RunKey(runID),
		},
		Timestamp: time.Now().UTC(),
	}
}

// Dispatch resolves the target and starts delivery in the background. It
// returns an error only when the demo has no endpoint configured; every
// later failure goes to OnFailure.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	target, err := d.cfg.Resolver.Resolve(job.Run.DemoID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(d.BuildPayload(job))
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	timeout := time.Duration(job.Run.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(job.Demo.TimeoutSeconds) * time.Second
	}

	// Detach from the request so the 202 can be written, but keep its trace.
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	stop := context.AfterFunc(d.root, cancel)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer stop()
		if err := d.deliver(deliverCtx, target, body, job.Demo.MaxRetries); err != nil {
			d.failures.Add(deliverCtx, 1, metric.WithAttributes(attribute.String("demo_id", job.Run.DemoID)))
			d.cfg.Logger.Error("webhook delivery failed",
				"run_id", job.Run.ID, "demo_id", job.Run.DemoID, "error", err)
			if d.cfg.OnFailure != nil {
				// The delivery deadline may be what failed; reporting gets its own.
				reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(deliverCtx), 10*time.Second)
				d.cfg.OnFailure.DispatchFailed(reportCtx, job.Run.ID, err)
				reportCancel()
			}
		}
	}()
	return nil
}

// deliver posts body, retrying transport errors up to maxRetries times.
// A response of any status ends the loop.
func (d *Dispatcher) deliver(ctx context.Context, target Target, body []byte, maxRetries int) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(d.cfg.RetryBase, attempt)); err != nil {
				return fmt.Errorf("webhook: gave up after %d attempts: %w", attempt, errors.Join(lastErr, err))
			}
		}
		d.attempts.Add(ctx, 1)
		status, respBody, err := post(ctx, d.client, target, body)
		if err != nil {
			lastErr = err
			d.cfg.Logger.Warn("webhook attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		if status < 200 || status > 299 {
			return &StatusError{StatusCode: status, Body: truncate(string(respBody), 512)}
		}
		return nil
	}
	return fmt.Errorf("webhook: gave up after %d attempts: %w", maxRetries+1, lastErr)
}

// Wait blocks until in-flight deliveries finish or ctx expires, in which
// case remaining deliveries are cancelled and their failures still reported.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func post(ctx context.Context, client *http.Client, target Target, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if target.HasBasicAuth() {
		req.SetBasicAuth(target.Username, target.Password)
	}
	if target.APIKey != "" {
		req.Header.Set("x-api-key", target.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("webhook: read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// backoff returns base*2^(attempt-1) with up to 50% jitter, capped at 30s.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d <= 0 || d > 30*time.Second {
		d = 30 * time.Second
	}
	return d/2 + rand.N(d/2+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

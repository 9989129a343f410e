package demoruns_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbolicai/demoflow/internal/catalog"
	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/ratelimit"
	"github.com/symbolicai/demoflow/internal/service/demoruns"
	"github.com/symbolicai/demoflow/internal/statuscache"
	"github.com/symbolicai/demoflow/internal/storage"
	"github.com/symbolicai/demoflow/internal/testutil"
	"github.com/symbolicai/demoflow/internal/webhook"
)

const leadInput = `{"name":"John Doe","email":"john@example.com","phone":"+1234567890","request":"Call me about pricing"}`

const leadOutput = `{"callId":"c1","duration":120,"qualificationScore":85,"summary":"Qualified lead","nextSteps":["a","b"]}`

type clock struct {
	mu sync.Mutex
	t  time.Time
}

// now advances a millisecond per call so created_at values are distinct.
func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc        *demoruns.Service
	store      *memStore
	dispatcher *recordingDispatcher
	cache      *statuscache.Memory
	clock      *clock
}

func newHarness(t *testing.T, lenient bool) *harness {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore(c.now)
	d := &recordingDispatcher{}
	cache := statuscache.NewMemory(time.Hour)
	svc := demoruns.New(demoruns.Config{
		Store:              store,
		Limiter:            ratelimit.NewWindow(ratelimit.NewMemoryStore(), testutil.TestLogger()),
		Dispatcher:         d,
		Cache:              cache,
		Logger:             testutil.TestLogger(),
		LenientTransitions: lenient,
		SweepBatchSize:     2,
		Now:                c.now,
	})
	return &harness{svc: svc, store: store, dispatcher: d, cache: cache, clock: c}
}

func (h *harness) start(t *testing.T, userID uuid.UUID) model.StartRunResponse {
	t.Helper()
	resp, err := h.svc.Start(context.Background(), userID, catalog.LeadQualification, model.StartRunRequest{
		InputData: json.RawMessage(leadInput),
	})
	require.NoError(t, err)
	return resp
}

func callbackBody(runID uuid.UUID, status model.RunStatus, output string) []byte {
	body := map[string]any{"runId": runID.String(), "status": status, "executionTime": 12.5}
	if output != "" {
		body["outputData"] = json.RawMessage(output)
	}
	b, _ := json.Marshal(body)
	return b
}

func ptr[T any](v T) *T { return &v }

func TestStart_QueuesAndDispatches(t *testing.T) {
	h := newHarness(t, false)
	userID := uuid.New()

	resp, err := h.svc.Start(context.Background(), userID, catalog.LeadQualification, model.StartRunRequest{
		InputData: json.RawMessage(leadInput),
		Options:   &model.RunOptions{Timeout: ptr(60), Priority: model.PriorityHigh},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, resp.Status)
	assert.Equal(t, catalog.LeadQualification, resp.DemoID)
	assert.Equal(t, demoruns.StartedMessage, resp.Message)
	assert.Equal(t, 60, resp.EstimatedDuration)

	run, err := h.store.GetRun(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, userID, run.UserID)
	assert.Equal(t, 60, run.TimeoutSeconds)
	assert.Equal(t, model.PriorityHigh, run.Priority)
	assert.JSONEq(t, leadInput, string(run.InputData))

	require.Equal(t, 1, h.dispatcher.count())
	assert.Equal(t, resp.ID, h.dispatcher.jobs[0].Run.ID)
	assert.Equal(t, "Speed-to-Lead Qualification", h.dispatcher.jobs[0].Demo.Name)
	assert.Equal(t, []string{model.AuditDemoExecutionStarted}, h.store.auditActions())
}

func TestStart_DefaultTimeout(t *testing.T) {
	h := newHarness(t, false)
	resp := h.start(t, uuid.New())
	assert.Equal(t, catalog.DefaultTimeoutSeconds, resp.EstimatedDuration)
}

func TestStart_RateLimitedAfterTen(t *testing.T) {
	h := newHarness(t, false)
	userID := uuid.New()
	for range 10 {
		h.start(t, userID)
	}

	_, err := h.svc.Start(context.Background(), userID, catalog.LeadQualification, model.StartRunRequest{
		InputData: json.RawMessage(leadInput),
	})
	assert.ErrorIs(t, err, demoruns.ErrRateLimited)
	assert.Equal(t, 10, h.store.count(), "no row for a throttled start")
	assert.Equal(t, 10, h.dispatcher.count(), "no webhook for a throttled start")

	// Other users are unaffected.
	h.start(t, uuid.New())
}

func TestStart_RateLimitCheckedBeforeDemoID(t *testing.T) {
	h := newHarness(t, false)
	userID := uuid.New()
	for range 10 {
		h.start(t, userID)
	}
	_, err := h.svc.Start(context.Background(), userID, "no-such-demo", model.StartRunRequest{})
	assert.ErrorIs(t, err, demoruns.ErrRateLimited)
}

func TestStart_UnknownAndLockedDemo(t *testing.T) {
	h := newHarness(t, false)
	userID := uuid.New()

	_, err := h.svc.Start(context.Background(), userID, "no-such-demo", model.StartRunRequest{})
	assert.ErrorIs(t, err, demoruns.ErrUnknownDemo)
	_, err = h.svc.Start(context.Background(), userID, catalog.ContentGenerator, model.StartRunRequest{})
	assert.ErrorIs(t, err, demoruns.ErrUnknownDemo)

	// Rejected attempts hand their reservation back.
	for range 10 {
		h.start(t, userID)
	}
}

func TestStart_ValidationErrors(t *testing.T) {
	h := newHarness(t, false)
	userID := uuid.New()

	_, err := h.svc.Start(context.Background(), userID, catalog.LeadQualification, model.StartRunRequest{
		InputData: json.RawMessage(`{"name":"John","email":"bad"}`),
	})
	var verr *catalog.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "phone")
	assert.Contains(t, verr.Fields, "request")

	_, err = h.svc.Start(context.Background(), userID, catalog.LeadQualification, model.StartRunRequest{
		InputData: json.RawMessage(leadInput),
		Options:   &model.RunOptions{Timeout: ptr(10)},
	})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "must be at least 30", verr.Fields["options.timeout"])
	assert.Equal(t, 0, h.store.count())
}

func TestStart_StoreFailure(t *testing.T) {
	h := newHarness(t, false)
	h.store.failCreate = errors.New("connection refused")
	_, err := h.svc.Start(context.Background(), uuid.New(), catalog.LeadQualification, model.StartRunRequest{
		InputData: json.RawMessage(leadInput),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, h.dispatcher.count())
}

func TestStart_DispatchNotConfiguredFailsRun(t *testing.T) {
	h := newHarness(t, false)
	h.dispatcher.err = errNotConfigured
	userID := uuid.New()

	_, err := h.svc.Start(context.Background(), userID, catalog.LeadQualification, model.StartRunRequest{
		InputData: json.RawMessage(leadInput),
	})
	assert.ErrorIs(t, err, demoruns.ErrDispatch)

	latest, err := h.svc.Latest(context.Background(), userID, "")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, latest.Status)
}

func TestDispatchFailed_OnlyWhileQueued(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	userID := uuid.New()

	queued := h.start(t, userID)
	h.svc.DispatchFailed(ctx, queued.ID, errors.New("dial tcp: connection refused"))
	run, _ := h.store.GetRun(ctx, queued.ID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, webhook.DispatchFailedMessage, *run.ErrorMessage)

	done := h.start(t, userID)
	_, err := h.svc.Callback(ctx, done.ID.String(), callbackBody(done.ID, model.RunStatusSucceeded, leadOutput))
	require.NoError(t, err)
	h.svc.DispatchFailed(ctx, done.ID, errors.New("late failure"))
	run, _ = h.store.GetRun(ctx, done.ID)
	assert.Equal(t, model.RunStatusSucceeded, run.Status, "callback outcome must not be overwritten")
}

func TestCallback_Succeeded(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	userID := uuid.New()
	started := h.start(t, userID)

	resp, err := h.svc.Callback(ctx, started.ID.String(), callbackBody(started.ID, model.RunStatusSucceeded, leadOutput))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, demoruns.CallbackMessage, resp.Message)

	status, err := h.svc.Status(ctx, userID, started.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, status.Status)
	assert.JSONEq(t, leadOutput, string(status.OutputData))
	assert.NotNil(t, status.StartedAt, "queued -> succeeded passes through running")
	assert.NotNil(t, status.CompletedAt)
	assert.Nil(t, status.ErrorMessage)

	cached, ok, _ := h.cache.Get(ctx, started.ID.String())
	require.True(t, ok)
	assert.Equal(t, "succeeded", cached.Status)
	assert.Contains(t, h.store.auditActions(), model.AuditDemoCallbackReceived)
}

func TestCallback_FailedStoresErrorOnly(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	userID := uuid.New()
	started := h.start(t, userID)

	body, _ := json.Marshal(map[string]any{
		"runId":        started.ID,
		"status":       "failed",
		"errorMessage": "Lead did not answer",
	})
	_, err := h.svc.Callback(ctx, started.ID.String(), body)
	require.NoError(t, err)

	status, err := h.svc.Status(ctx, userID, started.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status.Status)
	require.NotNil(t, status.ErrorMessage)
	assert.Equal(t, "Lead did not answer", *status.ErrorMessage)
	assert.Equal(t, "null", string(status.OutputData))
}

func TestCallback_RunIDMismatch(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	started := h.start(t, uuid.New())

	_, err := h.svc.Callback(ctx, started.ID.String(), callbackBody(uuid.New(), model.RunStatusSucceeded, leadOutput))
	assert.ErrorIs(t, err, demoruns.ErrRunIDMismatch)

	run, _ := h.store.GetRun(ctx, started.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status, "no update on mismatch")
}

func TestCallback_NotFound(t *testing.T) {
	h := newHarness(t, false)
	id := uuid.New()
	_, err := h.svc.Callback(context.Background(), id.String(), callbackBody(id, model.RunStatusSucceeded, ""))
	assert.ErrorIs(t, err, demoruns.ErrRunNotFound)

	_, err = h.svc.Callback(context.Background(), "not-a-uuid", []byte(`{}`))
	assert.ErrorIs(t, err, demoruns.ErrRunNotFound)
}

func TestCallback_Validation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	started := h.start(t, uuid.New())

	var verr *catalog.ValidationError
	_, err := h.svc.Callback(ctx, started.ID.String(), []byte(`not json`))
	assert.True(t, errors.As(err, &verr))

	_, err = h.svc.Callback(ctx, started.ID.String(), []byte(`{"runId":"`+started.ID.String()+`","status":"done"}`))
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "status")

	_, err = h.svc.Callback(ctx, started.ID.String(),
		callbackBody(started.ID, model.RunStatusSucceeded, `{"callId":"c1","qualificationScore":150}`))
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "qualificationScore")
}

func TestCallback_StrictRejectsLeavingTerminal(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	started := h.start(t, uuid.New())

	_, err := h.svc.Callback(ctx, started.ID.String(), callbackBody(started.ID, model.RunStatusCancelled, ""))
	require.NoError(t, err)

	_, err = h.svc.Callback(ctx, started.ID.String(), callbackBody(started.ID, model.RunStatusSucceeded, leadOutput))
	assert.ErrorIs(t, err, demoruns.ErrInvalidTransition)
	var terr *model.TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, model.RunStatusCancelled, terr.From)

	run, _ := h.store.GetRun(ctx, started.ID)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
}

func TestCallback_LenientAppliesAnyStatus(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	started := h.start(t, uuid.New())

	_, err := h.svc.Callback(ctx, started.ID.String(), callbackBody(started.ID, model.RunStatusFailed, ""))
	require.NoError(t, err)
	_, err = h.svc.Callback(ctx, started.ID.String(), callbackBody(started.ID, model.RunStatusSucceeded, leadOutput))
	require.NoError(t, err)

	run, _ := h.store.GetRun(ctx, started.ID)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
}

func TestProgress_MovesQueuedToRunningAndCaches(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	userID := uuid.New()
	started := h.start(t, userID)

	_, updates, cancel, err := h.svc.Watch(ctx, userID, started.ID)
	require.NoError(t, err)
	defer cancel()

	body, _ := json.Marshal(map[string]any{
		"runId":         started.ID,
		"status":        "calling",
		"statusMessage": "Calling the lead now",
	})
	resp, err := h.svc.Progress(ctx, started.ID.String(), body)
	require.NoError(t, err)
	assert.Equal(t, demoruns.ProgressMessage, resp.Message)
	assert.Equal(t, started.ID.String(), resp.RunID)

	select {
	case u := <-updates:
		assert.Equal(t, "calling", u.Status)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive progress")
	}

	run, _ := h.store.GetRun(ctx, started.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NotNil(t, run.StartedAt)

	current, _, cancel2, err := h.svc.Watch(ctx, userID, started.ID)
	require.NoError(t, err)
	defer cancel2()
	require.NotNil(t, current)
	assert.Equal(t, "Calling the lead now", current.StatusMessage)
}

func TestProgress_MissingFields(t *testing.T) {
	h := newHarness(t, false)
	started := h.start(t, uuid.New())
	_, err := h.svc.Progress(context.Background(), started.ID.String(), []byte(`{"runId":"`+started.ID.String()+`"}`))
	assert.ErrorIs(t, err, demoruns.ErrMissingFields)
}

func TestStatus_OwnerIsolation(t *testing.T) {
	h := newHarness(t, false)
	owner := uuid.New()
	started := h.start(t, owner)

	_, err := h.svc.Status(context.Background(), uuid.New(), started.ID)
	assert.ErrorIs(t, err, demoruns.ErrRunNotFound)
	_, err = h.svc.Status(context.Background(), owner, uuid.New())
	assert.ErrorIs(t, err, demoruns.ErrRunNotFound)

	_, _, _, err = h.svc.Watch(context.Background(), uuid.New(), started.ID)
	assert.ErrorIs(t, err, demoruns.ErrRunNotFound)
}

func TestStatus_TerminalIsStable(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	owner := uuid.New()
	started := h.start(t, owner)
	_, err := h.svc.Callback(ctx, started.ID.String(), callbackBody(started.ID, model.RunStatusSucceeded, leadOutput))
	require.NoError(t, err)

	for range 3 {
		status, err := h.svc.Status(ctx, owner, started.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusSucceeded, status.Status)
	}
}

func TestStatus_SharedReadSurvivesCancelledCaller(t *testing.T) {
	h := newHarness(t, false)
	owner := uuid.New()
	started := h.start(t, owner)
	release := h.store.gateReads()

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.svc.Status(leaderCtx, owner, started.ID)
		leaderErr <- err
	}()
	<-h.store.reading

	type result struct {
		status model.RunStatusResponse
		err    error
	}
	follower := make(chan result, 1)
	go func() {
		st, err := h.svc.Status(context.Background(), owner, started.ID)
		follower <- result{st, err}
	}()
	time.Sleep(50 * time.Millisecond) // let the follower join the in-flight read

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	release()
	select {
	case res := <-follower:
		require.NoError(t, res.err)
		assert.Equal(t, model.RunStatusQueued, res.status.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("follower never returned")
	}
}

func TestWatch_QueuedRunSnapshot(t *testing.T) {
	h := newHarness(t, false)
	owner := uuid.New()
	started := h.start(t, owner)

	current, _, cancel, err := h.svc.Watch(context.Background(), owner, started.ID)
	require.NoError(t, err)
	defer cancel()
	require.NotNil(t, current)
	assert.Equal(t, string(model.RunStatusQueued), current.Status)
	assert.Equal(t, started.ID.String(), current.RunID)
}

func TestWatch_StoredTerminalWithoutCacheEntry(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	owner := uuid.New()
	started := h.start(t, owner)

	// Finished through the store only, as when another instance took the callback.
	msg := "Engine rejected the lead"
	_, err := h.store.UpdateRunStatus(ctx, storage.RunUpdate{
		ID: started.ID, Status: model.RunStatusFailed,
		From: []model.RunStatus{model.RunStatusQueued}, ErrorMessage: &msg,
	})
	require.NoError(t, err)
	_, ok, _ := h.cache.Get(ctx, started.ID.String())
	require.False(t, ok)

	current, _, cancel, err := h.svc.Watch(ctx, owner, started.ID)
	require.NoError(t, err)
	defer cancel()
	require.NotNil(t, current)
	assert.Equal(t, string(model.RunStatusFailed), current.Status)
	assert.Equal(t, msg, current.StatusMessage)
}

func TestWatch_StaleProgressYieldsToStoredTerminal(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	owner := uuid.New()
	started := h.start(t, owner)

	body, _ := json.Marshal(map[string]any{
		"runId": started.ID, "status": "calling", "statusMessage": "Calling the lead now",
	})
	_, err := h.svc.Progress(ctx, started.ID.String(), body)
	require.NoError(t, err)

	_, err = h.store.UpdateRunStatus(ctx, storage.RunUpdate{
		ID: started.ID, Status: model.RunStatusSucceeded,
		From: []model.RunStatus{model.RunStatusRunning}, OutputData: json.RawMessage(leadOutput),
	})
	require.NoError(t, err)

	current, _, cancel, err := h.svc.Watch(ctx, owner, started.ID)
	require.NoError(t, err)
	defer cancel()
	require.NotNil(t, current)
	assert.Equal(t, string(model.RunStatusSucceeded), current.Status)
}

func TestLatest(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	userID := uuid.New()

	_, err := h.svc.Latest(ctx, userID, "")
	assert.ErrorIs(t, err, demoruns.ErrRunNotFound)

	h.start(t, userID)
	second := h.start(t, userID)
	latest, err := h.svc.Latest(ctx, userID, catalog.LeadQualification)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.RunID)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	userID := uuid.New()

	var ids []uuid.UUID
	for range 3 {
		ids = append(ids, h.start(t, userID).ID)
	}
	done := h.start(t, userID)
	_, err := h.svc.Callback(ctx, done.ID.String(), callbackBody(done.ID, model.RunStatusSucceeded, leadOutput))
	require.NoError(t, err)

	n, err := h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing has timed out yet")

	h.clock.advance(time.Duration(catalog.DefaultTimeoutSeconds+1) * time.Second)
	n, err = h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "batches of two until drained")

	for _, id := range ids {
		run, _ := h.store.GetRun(ctx, id)
		assert.Equal(t, model.RunStatusFailed, run.Status)
		require.NotNil(t, run.ErrorMessage)
		assert.Equal(t, demoruns.TimedOutMessage, *run.ErrorMessage)
	}
	run, _ := h.store.GetRun(ctx, done.ID)
	assert.Equal(t, model.RunStatusSucceeded, run.Status)
	assert.Contains(t, h.store.auditActions(), model.AuditDemoRunTimedOut)

	timedOut := h.store.auditsFor(model.AuditDemoRunTimedOut)
	require.Len(t, timedOut, 3)
	first, _ := h.store.GetRun(ctx, ids[0])
	assert.Equal(t, first.Deadline(), timedOut[0].Details["deadline"])
}

type countingMaintainer struct {
	pruned, cleaned int
}

func (m *countingMaintainer) PruneRateLimits(context.Context, time.Duration) (int64, error) {
	m.pruned++
	return 0, nil
}

func (m *countingMaintainer) CleanupIdempotencyKeys(context.Context, time.Duration) (int64, error) {
	m.cleaned++
	return 0, errors.New("boom")
}

func TestMaintain(t *testing.T) {
	m := &countingMaintainer{}
	svc := demoruns.New(demoruns.Config{
		Store:          newMemStore(time.Now),
		Maintainer:     m,
		IdempotencyTTL: time.Hour,
		Logger:         testutil.TestLogger(),
	})
	err := svc.Maintain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, m.pruned)
	assert.Equal(t, 1, m.cleaned)

	assert.NoError(t, demoruns.New(demoruns.Config{Store: newMemStore(time.Now)}).Maintain(context.Background()))
}

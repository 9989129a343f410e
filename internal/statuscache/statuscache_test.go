package statuscache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/testutil"
)

func TestMemory_PutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	_, ok, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put(ctx, model.StatusUpdate{RunID: "r1", Status: "calling", StatusMessage: "Dialing lead"}))
	got, ok, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "calling", got.Status)
	assert.False(t, got.Timestamp.IsZero(), "Put stamps missing timestamps")
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, model.StatusUpdate{RunID: "r1", Status: "calling"}))
	require.NoError(t, m.Put(ctx, model.StatusUpdate{RunID: "r2", Status: "calling"}))
	now = now.Add(2 * time.Minute)

	_, ok, _ := m.Get(ctx, "r1")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Prune(), "r1 was already dropped by Get")
}

func TestMemory_SubscribeReceivesLaterPuts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	updates, cancel := m.Subscribe("r1")
	defer cancel()

	require.NoError(t, m.Put(ctx, model.StatusUpdate{RunID: "other", Status: "x"}))
	require.NoError(t, m.Put(ctx, model.StatusUpdate{RunID: "r1", Status: "calling"}))

	select {
	case u := <-updates:
		assert.Equal(t, "r1", u.RunID)
		assert.Equal(t, "calling", u.Status)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestMemory_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	updates, cancel := m.Subscribe("r1")
	defer cancel()

	for range subscriberBuffer + 10 {
		require.NoError(t, m.Put(ctx, model.StatusUpdate{RunID: "r1", Status: "tick"}))
	}
	assert.Len(t, updates, subscriberBuffer)
}

func TestMemory_CancelClosesAndIsIdempotent(t *testing.T) {
	m := NewMemory(time.Minute)
	updates, cancel := m.Subscribe("r1")
	cancel()
	cancel()

	_, open := <-updates
	assert.False(t, open)
	require.NoError(t, m.Put(context.Background(), model.StatusUpdate{RunID: "r1"}))
	assert.Empty(t, m.subs)
}

// bus is an in-process stand-in for Postgres LISTEN/NOTIFY shared by
// several fakeNotifiers.
type bus struct {
	mu        sync.Mutex
	listeners []chan [2]string
}

type fakeNotifier struct {
	bus      *bus
	inbox    chan [2]string
	failNext bool
}

func (b *bus) connect() *fakeNotifier {
	return &fakeNotifier{bus: b, inbox: make(chan [2]string, 16)}
}

func (n *fakeNotifier) Listen(context.Context, string) error {
	n.bus.mu.Lock()
	n.bus.listeners = append(n.bus.listeners, n.inbox)
	n.bus.mu.Unlock()
	return nil
}

func (n *fakeNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case msg := <-n.inbox:
		return msg[0], msg[1], nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (n *fakeNotifier) Notify(_ context.Context, channel, payload string) error {
	if n.failNext {
		n.failNext = false
		return errors.New("connection reset")
	}
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	for _, l := range n.bus.listeners {
		l <- [2]string{channel, payload}
	}
	return nil
}

func TestPostgres_UpdatesReachOtherInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &bus{}
	connA, connB := b.connect(), b.connect()
	a := NewPostgres(connA, time.Minute, testutil.TestLogger())
	bb := NewPostgres(connB, time.Minute, testutil.TestLogger())
	require.NoError(t, connA.Listen(ctx, ""))
	go func() { _ = bb.Run(ctx) }()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.listeners) == 2
	}, 2*time.Second, 5*time.Millisecond)

	updates, unsubscribe := bb.Subscribe("r1")
	defer unsubscribe()

	require.NoError(t, a.Put(ctx, model.StatusUpdate{RunID: "r1", Status: "call_completed", StatusMessage: "Lead qualified"}))

	select {
	case u := <-updates:
		assert.Equal(t, "call_completed", u.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not cross instances")
	}
	got, ok, err := bb.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Lead qualified", got.StatusMessage)
}

func TestPostgres_IgnoresOwnNotifications(t *testing.T) {
	ctx := context.Background()
	b := &bus{}
	conn := b.connect()
	p := NewPostgres(conn, time.Minute, testutil.TestLogger())
	require.NoError(t, conn.Listen(ctx, ""))

	updates, unsubscribe := p.Subscribe("r1")
	defer unsubscribe()
	require.NoError(t, p.Put(ctx, model.StatusUpdate{RunID: "r1", Status: "calling"}))

	_, payload, err := conn.WaitForNotification(ctx)
	require.NoError(t, err)
	p.apply(ctx, payload)

	assert.Len(t, updates, 1, "own notification must not be delivered twice")
}

func TestPostgres_PublishFailureKeepsLocalCopy(t *testing.T) {
	ctx := context.Background()
	conn := (&bus{}).connect()
	conn.failNext = true
	p := NewPostgres(conn, time.Minute, testutil.TestLogger())

	err := p.Put(ctx, model.StatusUpdate{RunID: "r1", Status: "calling"})
	require.Error(t, err)
	_, ok, _ := p.Get(ctx, "r1")
	assert.True(t, ok)
}

func TestPostgres_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPostgres((&bus{}).connect(), time.Minute, testutil.TestLogger())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

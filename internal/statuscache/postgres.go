package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/storage"
)

// Notifier is the LISTEN/NOTIFY surface of storage.DB.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
}

type envelope struct {
	Origin string             `json:"origin"`
	Update model.StatusUpdate `json:"update"`
}

// Postgres shares updates between instances over pg_notify. Each instance
// keeps its own Memory copy; Put writes locally and publishes, and Run
// applies what other instances publish.
type Postgres struct {
	*Memory
	db     Notifier
	origin string
	logger *slog.Logger
}

var _ Cache = (*Postgres)(nil)

// NewPostgres creates a Postgres cache. Call Run to receive remote updates.
func NewPostgres(db Notifier, ttl time.Duration, logger *slog.Logger) *Postgres {
	return &Postgres{
		Memory: NewMemory(ttl),
		db:     db,
		origin: uuid.NewString(),
		logger: logger,
	}
}

// Put stores u locally and publishes it. The local write stands even when
// publishing fails.
func (p *Postgres) Put(ctx context.Context, u model.StatusUpdate) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	_ = p.Memory.Put(ctx, u)

	payload, err := json.Marshal(envelope{Origin: p.origin, Update: u})
	if err != nil {
		return fmt.Errorf("statuscache: marshal update: %w", err)
	}
	if err := p.db.Notify(ctx, storage.ChannelDemoStatus, string(payload)); err != nil {
		return fmt.Errorf("statuscache: publish: %w", err)
	}
	return nil
}

// Run listens for updates from other instances until ctx is cancelled.
func (p *Postgres) Run(ctx context.Context) error {
	if err := p.db.Listen(ctx, storage.ChannelDemoStatus); err != nil {
		return fmt.Errorf("statuscache: %w", err)
	}
	p.logger.Info("statuscache: listening", "channel", storage.ChannelDemoStatus)

	for {
		channel, payload, err := p.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("statuscache: notification error, retrying", "error", err)
			if sleepErr := sleep(ctx, time.Second); sleepErr != nil {
				return nil
			}
			continue
		}
		if channel != storage.ChannelDemoStatus {
			continue
		}
		p.apply(ctx, payload)
	}
}

func (p *Postgres) apply(ctx context.Context, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		p.logger.Warn("statuscache: malformed notification", "error", err)
		return
	}
	if env.Origin == p.origin {
		return
	}
	_ = p.Memory.Put(ctx, env.Update)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

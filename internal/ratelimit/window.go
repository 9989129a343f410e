package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store persists usage rows, one per admitted action.
// storage.DB satisfies it; MemoryStore is the in-process stand-in.
type Store interface {
	CountRateLimitUsage(ctx context.Context, userID uuid.UUID, action string, since time.Time) (int, error)
	InsertRateLimitUsage(ctx context.Context, userID uuid.UUID, action string) error
	ReserveRateLimit(ctx context.Context, userID uuid.UUID, action string, limit int, window time.Duration) (uuid.UUID, bool, error)
	DeleteRateLimitUsage(ctx context.Context, id uuid.UUID) error
}

// Reservation is the outcome of Reserve. ID is uuid.Nil when not allowed.
type Reservation struct {
	ID      uuid.UUID
	Allowed bool
}

// Window is a sliding-window limiter over a Store.
//
// Lookup failures deny the action: an unavailable store blocks demo starts
// rather than letting them through unmetered.
type Window struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewWindow creates a Window backed by store.
func NewWindow(store Store, logger *slog.Logger) *Window {
	return &Window{store: store, logger: logger, now: time.Now}
}

// Check reports whether userID has used fewer than rule.Limit units of
// rule.Action in the trailing rule.Window. It does not record anything.
func (w *Window) Check(ctx context.Context, userID uuid.UUID, rule Rule) bool {
	used, err := w.store.CountRateLimitUsage(ctx, userID, rule.Action, w.now().Add(-rule.Window))
	if err != nil {
		w.logger.Error("rate limit check failed", "action", rule.Action, "user_id", userID, "error", err)
		return false
	}
	return used < rule.Limit
}

// Record inserts one unit of usage. Failures are logged and swallowed.
func (w *Window) Record(ctx context.Context, userID uuid.UUID, action string) {
	if err := w.store.InsertRateLimitUsage(ctx, userID, action); err != nil {
		w.logger.Warn("rate limit usage not recorded", "action", action, "user_id", userID, "error", err)
	}
}

// Reserve checks and records in one step. Concurrent callers for the same
// user and action can never be admitted past rule.Limit.
func (w *Window) Reserve(ctx context.Context, userID uuid.UUID, rule Rule) Reservation {
	id, ok, err := w.store.ReserveRateLimit(ctx, userID, rule.Action, rule.Limit, rule.Window)
	if err != nil {
		w.logger.Error("rate limit reserve failed", "action", rule.Action, "user_id", userID, "error", err)
		return Reservation{}
	}
	return Reservation{ID: id, Allowed: ok}
}

// Release returns a reservation whose request failed before creating any
// work, so the failed attempt does not count against the caller.
func (w *Window) Release(ctx context.Context, res Reservation) {
	if !res.Allowed || res.ID == uuid.Nil {
		return
	}
	if err := w.store.DeleteRateLimitUsage(ctx, res.ID); err != nil {
		w.logger.Warn("rate limit reservation not released", "reservation_id", res.ID, "error", err)
	}
}

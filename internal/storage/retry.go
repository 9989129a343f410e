package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retriableStates maps the SQLSTATEs that mean "lost a race, try again" to
// their condition names. Rate-limit reservations hit these when two starts
// for the same user land together.
var retriableStates = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

const maxRetryDelay = 500 * time.Millisecond

// retryReason returns the Postgres condition name when err is transient.
func retryReason(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	name, ok := retriableStates[pgErr.Code]
	return name, ok
}

// withRetry runs fn, retrying up to maxRetries times on transient conflicts.
// The delay doubles from baseDelay, is capped at maxRetryDelay, and each wait
// is jittered into [d/2, d].
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error, onRetry func(attempt int, reason string, err error)) error {
	delay := baseDelay
	var err error
	for attempt := range maxRetries + 1 {
		if err = fn(); err == nil {
			return nil
		}
		reason, ok := retryReason(err)
		if !ok || attempt == maxRetries {
			return err
		}
		if onRetry != nil {
			onRetry(attempt+1, reason, err)
		}
		wait := delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1)) //nolint:gosec // jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay = min(delay*2, maxRetryDelay)
	}
	return err
}

// retry is withRetry with the storage defaults, logging each retried attempt.
func (db *DB) retry(ctx context.Context, op string, fn func() error) error {
	return withRetry(ctx, 3, 10*time.Millisecond, fn, func(attempt int, reason string, err error) {
		db.logger.Debug("storage: retrying", "op", op, "attempt", attempt, "reason", reason, "error", err)
	})
}

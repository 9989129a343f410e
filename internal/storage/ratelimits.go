package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CountRateLimitUsage sums the usage recorded for (user, action) at or after since.
func (db *DB) CountRateLimitUsage(ctx context.Context, userID uuid.UUID, action string, since time.Time) (int, error) {
	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(count), 0)::int FROM rate_limits
		 WHERE user_id = $1 AND action = $2 AND created_at >= $3`,
		userID, action, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: count rate limit usage: %w", err)
	}
	return total, nil
}

// InsertRateLimitUsage records one unit of usage unconditionally.
func (db *DB) InsertRateLimitUsage(ctx context.Context, userID uuid.UUID, action string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO rate_limits (id, user_id, action, count) VALUES ($1, $2, $3, 1)`,
		uuid.New(), userID, action,
	)
	if err != nil {
		return fmt.Errorf("storage: insert rate limit usage: %w", err)
	}
	return nil
}

// ReserveRateLimit atomically admits and records one unit of usage if the
// trailing window holds fewer than limit units.
//
// Concurrent reservations for the same (user, action) serialize on a
// transaction-scoped advisory lock, so the sum and the insert observe the
// same state. Returns the reservation id and whether it was admitted.
func (db *DB) ReserveRateLimit(
	ctx context.Context,
	userID uuid.UUID,
	action string,
	limit int,
	window time.Duration,
) (uuid.UUID, bool, error) {
	id := uuid.New()
	var admitted bool

	err := db.retry(ctx, "reserve rate limit", func() error {
		admitted = false
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
				userID.String()+":"+action,
			); err != nil {
				return err
			}
			var inserted uuid.UUID
			err := tx.QueryRow(ctx,
				`INSERT INTO rate_limits (id, user_id, action, count)
				 SELECT $1, $2, $3, 1
				 WHERE (SELECT COALESCE(SUM(count), 0) FROM rate_limits
				        WHERE user_id = $2 AND action = $3
				          AND created_at >= now() - ($4 * interval '1 microsecond')) < $5
				 RETURNING id`,
				id, userID, action, window.Microseconds(), limit,
			).Scan(&inserted)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			admitted = true
			return nil
		})
	})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: reserve rate limit: %w", err)
	}
	if !admitted {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// DeleteRateLimitUsage removes a single usage row, returning a reservation
// whose request failed before doing any work.
func (db *DB) DeleteRateLimitUsage(ctx context.Context, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM rate_limits WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: delete rate limit usage: %w", err)
	}
	return nil
}

// PruneRateLimits deletes usage rows older than olderThan. Rows outside every
// window no longer affect any decision.
func (db *DB) PruneRateLimits(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM rate_limits WHERE created_at < now() - ($1 * interval '1 microsecond')`,
		olderThan.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: prune rate limits: %w", err)
	}
	return tag.RowsAffected(), nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrIdempotencyPayloadMismatch means the key was already used by the same
	// caller on the same endpoint with a different request body.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress means another request holds the key right now.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

// IdempotencyStaleAfter is how long an in-progress reservation blocks retries.
// A start finishes in well under a second, so a reservation this old belongs
// to a request that died before completing or releasing it.
const IdempotencyStaleAfter = 5 * time.Minute

// IdempotencyKey identifies one client-supplied key for one caller and route.
type IdempotencyKey struct {
	UserID   uuid.UUID
	Endpoint string
	Key      string
}

// IdempotencyLookup is the outcome of reserving a key. Completed means the
// stored response should be replayed.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// ReserveIdempotencyKey claims k for a request whose body hashes to
// requestHash. A zero lookup with a nil error means the caller owns the key
// and must later store a response or release it. A stale in-progress
// reservation for the same body is taken over.
func (db *DB) ReserveIdempotencyKey(ctx context.Context, k IdempotencyKey, requestHash string) (IdempotencyLookup, error) {
	var owned bool
	err := db.pool.QueryRow(ctx,
		`INSERT INTO idempotency_keys (user_id, endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, $4, 'in_progress')
		 ON CONFLICT (user_id, endpoint, idempotency_key) DO UPDATE
		   SET updated_at = now()
		   WHERE idempotency_keys.status = 'in_progress'
		     AND idempotency_keys.request_hash = EXCLUDED.request_hash
		     AND idempotency_keys.updated_at < now() - ($5 * interval '1 microsecond')
		 RETURNING true`,
		k.UserID, k.Endpoint, k.Key, requestHash, IdempotencyStaleAfter.Microseconds(),
	).Scan(&owned)
	if err == nil {
		return IdempotencyLookup{}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyLookup{}, fmt.Errorf("storage: reserve idempotency key: %w", err)
	}

	var (
		storedHash string
		status     string
		statusCode *int
		response   []byte
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys
		 WHERE user_id = $1 AND endpoint = $2 AND idempotency_key = $3`,
		k.UserID, k.Endpoint, k.Key,
	).Scan(&storedHash, &status, &statusCode, &response); err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: lookup idempotency key: %w", err)
	}

	switch {
	case storedHash != requestHash:
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	case status != "completed":
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	lookup := IdempotencyLookup{Completed: true, ResponseData: response}
	if statusCode != nil {
		lookup.StatusCode = *statusCode
	}
	return lookup, nil
}

// StoreIdempotentResponse records the response for a key the caller owns.
func (db *DB) StoreIdempotentResponse(ctx context.Context, k IdempotencyKey, statusCode int, response any) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotent response: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = $4, response_data = $5::jsonb, updated_at = now()
		 WHERE user_id = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = 'in_progress'`,
		k.UserID, k.Endpoint, k.Key, statusCode, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: store idempotent response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: store idempotent response: %w", ErrNotFound)
	}
	return nil
}

// ReleaseIdempotencyKey drops an in-progress reservation so the client can
// retry with the same key. Completed keys are left alone.
func (db *DB) ReleaseIdempotencyKey(ctx context.Context, k IdempotencyKey) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE user_id = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = 'in_progress'`,
		k.UserID, k.Endpoint, k.Key,
	); err != nil {
		return fmt.Errorf("storage: release idempotency key: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes keys not touched within ttl, in either state.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE updated_at < now() - ($1 * interval '1 microsecond')`,
		ttl.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

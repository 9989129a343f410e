package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/storage"
)

const maxIdempotencyKeyLen = 255

// IdempotencyStore persists Idempotency-Key reservations. storage.DB
// satisfies it.
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, k storage.IdempotencyKey, requestHash string) (storage.IdempotencyLookup, error)
	StoreIdempotentResponse(ctx context.Context, k storage.IdempotencyKey, statusCode int, response any) error
	ReleaseIdempotencyKey(ctx context.Context, k storage.IdempotencyKey) error
}

// heldKey is a reservation owned by the current request. A nil *heldKey
// means the request carried no key and every method is a no-op.
type heldKey struct {
	storage.IdempotencyKey
}

// startEndpoint names the start route in idempotency records. Keys are
// scoped per demo so one key cannot replay a different demo's response.
func startEndpoint(demoID string) string {
	return "POST:/demos/" + demoID + "/run"
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// reserveKey handles the Idempotency-Key header for a write. It returns
// proceed=false once it has written a response itself: a replay, a
// conflict, or an error. Otherwise the caller runs the operation and then
// calls storeResponse or release on the returned key.
func (h *Handlers) reserveKey(w http.ResponseWriter, r *http.Request, userID uuid.UUID, endpoint string, payload any) (held *heldKey, proceed bool) {
	raw := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if raw == "" || h.idempotency == nil {
		return nil, true
	}
	if len(raw) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, "Validation Error", model.ErrCodeValidation,
			fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeServiceError(w, r, startFailure, fmt.Errorf("hash idempotency payload: %w", err))
		return nil, false
	}

	key := storage.IdempotencyKey{UserID: userID, Endpoint: endpoint, Key: raw}
	lookup, err := h.idempotency.ReserveIdempotencyKey(r.Context(), key, hash)
	switch {
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, "Idempotency Conflict", model.ErrCodeIdempotencyMismatch,
			"idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, "Idempotency Conflict", model.ErrCodeIdempotencyInProgress,
			"request with this idempotency key is already in progress")
		return nil, false
	case err != nil:
		h.writeServiceError(w, r, startFailure, fmt.Errorf("idempotency lookup: %w", err))
		return nil, false
	case lookup.Completed:
		replay(w, lookup)
		return nil, false
	}
	return &heldKey{key}, true
}

func replay(w http.ResponseWriter, lookup storage.IdempotencyLookup) {
	status := lookup.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(lookup.ResponseData)
}

// storeResponse records the response under the held key. The run already
// exists by now, so failure is logged and the live response still goes out.
// The write uses its own deadline so a client hanging up does not lose it.
func (h *Handlers) storeResponse(r *http.Request, held *heldKey, statusCode int, resp any) {
	if held == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	var err error
retry:
	for attempt := 1; attempt <= 3; attempt++ {
		if err = h.idempotency.StoreIdempotentResponse(ctx, held.IdempotencyKey, statusCode, resp); err == nil {
			return
		}
		h.logger.Warn("idempotency store attempt failed", "attempt", attempt, "endpoint", held.Endpoint, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-ctx.Done():
			break retry
		}
	}
	h.logger.Error("idempotency response not recorded; retries with this key will conflict until it goes stale",
		"error", err,
		"endpoint", held.Endpoint,
		"user_id", held.UserID,
		"request_id", RequestIDFromContext(r.Context()),
	)
}

// release frees the held key after the operation failed, so the client can
// retry with the same key.
func (h *Handlers) release(r *http.Request, held *heldKey) {
	if held == nil {
		return
	}
	if err := h.idempotency.ReleaseIdempotencyKey(context.WithoutCancel(r.Context()), held.IdempotencyKey); err != nil {
		h.logger.Error("idempotency key not released", "error", err, "endpoint", held.Endpoint, "user_id", held.UserID)
	}
}

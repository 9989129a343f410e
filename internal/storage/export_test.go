package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/symbolicai/demoflow/internal/model"
)

// ListAuditForUser lets storage_test read back audit rows.
func (db *DB) ListAuditForUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.AuditEntry, error) {
	return db.listAuditForUser(ctx, userID, limit)
}

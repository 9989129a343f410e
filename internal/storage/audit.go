package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/symbolicai/demoflow/internal/model"
)

// InsertAudit appends an event to audit_logs. The table is append-only.
func (db *DB) InsertAudit(ctx context.Context, userID *uuid.UUID, action string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("storage: marshal audit details: %w", err)
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO audit_logs (user_id, action, details) VALUES ($1, $2, $3::jsonb)`,
		userID, action, detailsJSON,
	); err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// listAuditForUser returns the newest audit entries for a user, newest first.
func (db *DB) listAuditForUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, action, details, created_at FROM audit_logs
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("storage: decode audit details: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

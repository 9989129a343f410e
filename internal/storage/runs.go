package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/symbolicai/demoflow/internal/model"
)

const runColumns = `id, user_id, demo_id, status, input_data, output_data, error_message,
	timeout_seconds, priority, started_at, completed_at, created_at, updated_at`

func scanRun(row pgx.Row) (model.DemoRun, error) {
	var (
		r      model.DemoRun
		input  []byte
		output []byte
	)
	err := row.Scan(
		&r.ID, &r.UserID, &r.DemoID, &r.Status, &input, &output, &r.ErrorMessage,
		&r.TimeoutSeconds, &r.Priority, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return model.DemoRun{}, err
	}
	r.InputData = json.RawMessage(input)
	if output != nil {
		r.OutputData = json.RawMessage(output)
	}
	return r, nil
}

// CreateRun inserts a new queued run and returns the stored row.
func (db *DB) CreateRun(ctx context.Context, run model.DemoRun) (model.DemoRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if len(run.InputData) == 0 {
		run.InputData = json.RawMessage("{}")
	}
	if run.Priority == "" {
		run.Priority = model.PriorityNormal
	}

	created, err := scanRun(db.pool.QueryRow(ctx,
		`INSERT INTO demo_runs (id, user_id, demo_id, status, input_data, timeout_seconds, priority)
		 VALUES ($1, $2, $3, 'queued', $4::jsonb, $5, $6)
		 RETURNING `+runColumns,
		run.ID, run.UserID, run.DemoID, []byte(run.InputData), run.TimeoutSeconds, string(run.Priority),
	))
	if err != nil {
		return model.DemoRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	return created, nil
}

// GetRun retrieves a run by ID regardless of owner.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.DemoRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM demo_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DemoRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.DemoRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// GetRunForUser retrieves a run only if userID owns it. Absent and unowned
// runs both yield ErrNotFound.
func (db *DB) GetRunForUser(ctx context.Context, id, userID uuid.UUID) (model.DemoRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM demo_runs WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DemoRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.DemoRun{}, fmt.Errorf("storage: get run for user: %w", err)
	}
	return run, nil
}

// LatestRunForUser returns the user's most recent run, optionally restricted
// to one demo type.
func (db *DB) LatestRunForUser(ctx context.Context, userID uuid.UUID, demoID string) (model.DemoRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM demo_runs
		 WHERE user_id = $1 AND ($2 = '' OR demo_id = $2)
		 ORDER BY created_at DESC
		 LIMIT 1`, userID, demoID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DemoRun{}, fmt.Errorf("storage: latest run: %w", ErrNotFound)
		}
		return model.DemoRun{}, fmt.Errorf("storage: latest run: %w", err)
	}
	return run, nil
}

// RunUpdate describes a status change applied by UpdateRunStatus.
type RunUpdate struct {
	ID     uuid.UUID
	Status model.RunStatus
	// From guards the update: the row must currently hold one of these
	// statuses. Nil applies the update unconditionally.
	From []model.RunStatus
	// MarkStarted sets started_at if it is still empty.
	MarkStarted bool
	// OutputData is stored only when Status is succeeded.
	OutputData json.RawMessage
	// ErrorMessage is stored only when Status is failed.
	ErrorMessage *string
}

// UpdateRunStatus applies u and returns the updated row. completed_at is set
// whenever the new status is terminal. A guard miss returns ErrStatusConflict;
// an unknown id returns ErrNotFound.
func (db *DB) UpdateRunStatus(ctx context.Context, u RunUpdate) (model.DemoRun, error) {
	var from []string
	if u.From != nil {
		from = make([]string, len(u.From))
		for i, s := range u.From {
			from[i] = string(s)
		}
	}
	var output []byte
	if u.Status == model.RunStatusSucceeded {
		output = []byte(u.OutputData)
		if len(output) == 0 {
			output = []byte("{}")
		}
	}

	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE demo_runs SET
		     status        = $2,
		     started_at    = CASE WHEN $3 THEN COALESCE(started_at, now()) ELSE started_at END,
		     completed_at  = CASE WHEN $4 THEN now() ELSE completed_at END,
		     output_data   = CASE WHEN $2 = 'succeeded' THEN $5::jsonb ELSE output_data END,
		     error_message = CASE WHEN $2 = 'failed' THEN $6 ELSE error_message END,
		     updated_at    = now()
		 WHERE id = $1 AND ($7::text[] IS NULL OR status = ANY($7::text[]))
		 RETURNING `+runColumns,
		u.ID, string(u.Status), u.MarkStarted, u.Status.IsTerminal(), output, u.ErrorMessage, from,
	))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.DemoRun{}, fmt.Errorf("storage: update run status: %w", err)
	}

	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM demo_runs WHERE id = $1)`, u.ID,
	).Scan(&exists); err != nil {
		return model.DemoRun{}, fmt.Errorf("storage: update run status: %w", err)
	}
	if !exists {
		return model.DemoRun{}, fmt.Errorf("storage: run %s: %w", u.ID, ErrNotFound)
	}
	return model.DemoRun{}, fmt.Errorf("storage: run %s: %w", u.ID, ErrStatusConflict)
}

// MarkRunning moves a queued run to running.
func (db *DB) MarkRunning(ctx context.Context, id uuid.UUID) (model.DemoRun, error) {
	return db.UpdateRunStatus(ctx, RunUpdate{
		ID:          id,
		Status:      model.RunStatusRunning,
		From:        []model.RunStatus{model.RunStatusQueued},
		MarkStarted: true,
	})
}

// MarkDispatchFailed fails a run whose webhook could not be delivered. It
// only applies while the run is still queued, so it never overwrites an
// outcome the automation already reported.
func (db *DB) MarkDispatchFailed(ctx context.Context, id uuid.UUID, message string) (model.DemoRun, error) {
	return db.UpdateRunStatus(ctx, RunUpdate{
		ID:           id,
		Status:       model.RunStatusFailed,
		From:         []model.RunStatus{model.RunStatusQueued},
		ErrorMessage: &message,
	})
}

// ListExpiredRuns returns live runs whose created_at + timeout_seconds is before now.
func (db *DB) ListExpiredRuns(ctx context.Context, now time.Time, limit int) ([]model.DemoRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM demo_runs
		 WHERE status IN ('queued', 'running')
		   AND created_at + make_interval(secs => timeout_seconds) < $1
		 ORDER BY created_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list expired runs: %w", err)
	}
	defer rows.Close()

	var runs []model.DemoRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan expired run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ExpireRun fails a live run that exceeded its timeout.
func (db *DB) ExpireRun(ctx context.Context, id uuid.UUID, message string) (model.DemoRun, error) {
	return db.UpdateRunStatus(ctx, RunUpdate{
		ID:           id,
		Status:       model.RunStatusFailed,
		From:         []model.RunStatus{model.RunStatusQueued, model.RunStatusRunning},
		ErrorMessage: &message,
	})
}

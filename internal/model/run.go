// Package model defines the core domain types for demoflow.
//
// Row types correspond directly to the demo_runs, rate_limits and audit_logs
// tables. JSON payloads supplied by browsers and the automation engine are
// kept as json.RawMessage so they round-trip byte-for-byte modulo
// normalization by jsonb.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a demo run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunStatuses lists every valid status in lifecycle order.
var RunStatuses = []RunStatus{
	RunStatusQueued,
	RunStatusRunning,
	RunStatusSucceeded,
	RunStatusFailed,
	RunStatusCancelled,
}

// IsTerminal reports whether no further transition may leave s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Priority is the scheduling hint a caller may attach to a run.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// DemoRun is one invocation of an external automation on behalf of a user.
type DemoRun struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	DemoID         string          `json:"demo_id"`
	Status         RunStatus       `json:"status"`
	InputData      json.RawMessage `json:"input_data"`
	OutputData     json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Priority       Priority        `json:"priority"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Deadline is the instant after which a non-terminal run is considered hung.
func (r DemoRun) Deadline() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second)
}

// AuditEntry is an append-only record of a notable event.
type AuditEntry struct {
	ID        int64          `json:"id"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit actions written by the run lifecycle.
const (
	AuditDemoExecutionStarted = "demo_execution_started"
	AuditDemoCallbackReceived = "demo_callback_received"
	AuditDemoProgressReceived = "demo_progress_received"
	AuditDemoDispatchFailed   = "demo_dispatch_failed"
	AuditDemoRunTimedOut      = "demo_run_timed_out"
)

// StatusUpdate is an intermediate progress report for a run, held in the
// status cache and relayed to server-sent event subscribers.
type StatusUpdate struct {
	RunID         string    `json:"runId"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage"`
	Qualified     *bool     `json:"qualified,omitempty"`
	Output        string    `json:"output,omitempty"`
	CallSummary   string    `json:"callSummary,omitempty"`
	CallNotes     string    `json:"callNotes,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

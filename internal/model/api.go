package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// Error codes are stable strings clients branch on.
const (
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeRateLimited           = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidDemoID         = "INVALID_DEMO_ID"
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeMissingSignature      = "MISSING_SIGNATURE"
	ErrCodeInvalidSignature      = "INVALID_SIGNATURE"
	ErrCodeDemoRunNotFound       = "DEMO_RUN_NOT_FOUND"
	ErrCodeRunIDMismatch         = "RUN_ID_MISMATCH"
	ErrCodeInvalidTransition     = "INVALID_STATE_TRANSITION"
	ErrCodeCallback              = "CALLBACK_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeStatus                = "STATUS_ERROR"
	ErrCodeMissingFields         = "MISSING_FIELDS"
	ErrCodeSpamDetected          = "SPAM_DETECTED"
	ErrCodeSubmission            = "SUBMISSION_ERROR"
	ErrCodeMissingSessionID      = "MISSING_SESSION_ID"
	ErrCodeChatbot               = "CHATBOT_ERROR"
	ErrCodeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	ErrCodeIdempotencyMismatch   = "IDEMPOTENCY_KEY_REUSED"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// RunOptions are caller-tunable knobs for a single run.
type RunOptions struct {
	Timeout  *int     `json:"timeout,omitempty" validate:"omitempty,min=30,max=300"`
	Priority Priority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
}

// StartRunRequest is the body for POST /demos/{demoId}/run.
type StartRunRequest struct {
	InputData json.RawMessage `json:"inputData,omitempty"`
	Options   *RunOptions     `json:"options,omitempty"`
}

// StartRunResponse is returned with 202 once a run is queued.
type StartRunResponse struct {
	ID                uuid.UUID `json:"id"`
	Status            RunStatus `json:"status"`
	DemoID            string    `json:"demoId"`
	Message           string    `json:"message"`
	EstimatedDuration int       `json:"estimatedDuration"`
}

// CallbackRequest is the body the automation engine posts when a run ends.
type CallbackRequest struct {
	RunID         string          `json:"runId" validate:"required,uuid"`
	Status        RunStatus       `json:"status" validate:"required,oneof=queued running succeeded failed cancelled"`
	OutputData    json.RawMessage `json:"outputData,omitempty"`
	ErrorMessage  *string         `json:"errorMessage,omitempty"`
	ExecutionTime *float64        `json:"executionTime,omitempty" validate:"omitempty,min=0"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// CallbackResponse acknowledges a processed callback.
type CallbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ProgressResponse acknowledges a stored progress update.
type ProgressResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	RunID   string `json:"runId"`
}

// RunStatusResponse is the owner-visible projection of a run.
type RunStatusResponse struct {
	ID           uuid.UUID       `json:"id"`
	Status       RunStatus       `json:"status"`
	DemoID       string          `json:"demoId"`
	InputData    json.RawMessage `json:"inputData"`
	OutputData   json.RawMessage `json:"outputData"`
	ErrorMessage *string         `json:"errorMessage"`
	StartedAt    *time.Time      `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewRunStatusResponse projects a row for the status endpoint.
func NewRunStatusResponse(r DemoRun) RunStatusResponse {
	output := r.OutputData
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	input := r.InputData
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return RunStatusResponse{
		ID:           r.ID,
		Status:       r.Status,
		DemoID:       r.DemoID,
		InputData:    input,
		OutputData:   output,
		ErrorMessage: r.ErrorMessage,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// LatestRunResponse points the browser at its most recent run.
type LatestRunResponse struct {
	RunID     uuid.UUID `json:"runId"`
	DemoID    string    `json:"demoId"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment"`
	Message     string    `json:"message"`
}

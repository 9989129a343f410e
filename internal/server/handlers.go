package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/symbolicai/demoflow/internal/catalog"
	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/service/demoruns"
	"github.com/symbolicai/demoflow/internal/service/submissions"
)

// CallbackVerifier checks the signature the automation engine attaches to
// callback and progress requests.
type CallbackVerifier interface {
	Verify(runID, signature, timestamp string, body []byte) error
}

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runs                *demoruns.Service
	submissions         *submissions.Service
	signer              CallbackVerifier
	idempotency         IdempotencyStore
	db                  Pinger
	logger              *slog.Logger
	environment         string
	maxRequestBodyBytes int64
	keepalive           time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Submissions, Idempotency, DB.
type HandlersDeps struct {
	Runs                *demoruns.Service
	Submissions         *submissions.Service
	Signer              CallbackVerifier
	Idempotency         IdempotencyStore
	DB                  Pinger
	Logger              *slog.Logger
	Environment         string
	MaxRequestBodyBytes int64
	// KeepaliveInterval spaces comment frames on event streams. Defaults to 15s.
	KeepaliveInterval time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.KeepaliveInterval <= 0 {
		d.KeepaliveInterval = 15 * time.Second
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handlers{
		runs:                d.Runs,
		submissions:         d.Submissions,
		signer:              d.Signer,
		idempotency:         d.Idempotency,
		db:                  d.DB,
		logger:              d.Logger,
		environment:         d.Environment,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		keepalive:           d.KeepaliveInterval,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Environment: h.environment,
		Message:     "Demo API is running",
	}
	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("health check: database unreachable", "error", err)
			resp.Status = "unhealthy"
			resp.Message = "Database unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// HandleListDemos handles GET /demos. Signed-in callers only see demos
// offered to their persona.
func (h *Handlers) HandleListDemos(w http.ResponseWriter, r *http.Request) {
	persona := r.URL.Query().Get("persona")
	if persona == "" {
		persona = ClaimsFromContext(r.Context()).Persona()
	}
	cards := make([]model.DemoCard, 0)
	for _, d := range catalog.List() {
		if persona != "" && !d.AllowsPersona(persona) {
			continue
		}
		cards = append(cards, d.Card())
	}
	writeJSON(w, http.StatusOK, map[string]any{"demos": cards})
}

// failure names the title and fallback code a route reports when an error
// does not map to anything more specific.
type failure struct {
	title    string
	code     string
	message  string
	notFound string // code for ErrRunNotFound
}

var (
	startFailure = failure{
		title: "Demo Execution Failed", code: model.ErrCodeExecution,
		message: "Failed to execute demo", notFound: model.ErrCodeNotFound,
	}
	callbackFailure = failure{
		title: "Callback Processing Failed", code: model.ErrCodeCallback,
		message: "Failed to process callback", notFound: model.ErrCodeDemoRunNotFound,
	}
	progressFailure = failure{
		title: "Internal server error", code: model.ErrCodeInternal,
		message: "Failed to store status update", notFound: model.ErrCodeDemoRunNotFound,
	}
	statusFailure = failure{
		title: "Status Check Failed", code: model.ErrCodeStatus,
		message: "Failed to get demo status", notFound: model.ErrCodeNotFound,
	}
)

// writeServiceError maps a demoruns error to its response. It is the only
// place service errors become status codes.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, f failure, err error) {
	var verr *catalog.ValidationError
	switch {
	case errors.Is(err, demoruns.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "Rate Limit Exceeded", model.ErrCodeRateLimited,
			"Too many demo executions. Please try again later.")
	case errors.Is(err, demoruns.ErrUnknownDemo):
		writeError(w, r, http.StatusBadRequest, "Invalid Demo ID", model.ErrCodeInvalidDemoID,
			"The requested demo does not exist or is not available")
	case errors.As(err, &verr):
		writeErrorDetails(w, r, http.StatusBadRequest, "Validation Error", model.ErrCodeValidation,
			"Invalid request data", verr.Fields)
	case errors.Is(err, demoruns.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, "Not Found", f.notFound, "Demo run not found")
	case errors.Is(err, demoruns.ErrRunIDMismatch):
		writeError(w, r, http.StatusBadRequest, "Run ID Mismatch", model.ErrCodeRunIDMismatch,
			"Run ID in body does not match URL parameter")
	case errors.Is(err, demoruns.ErrInvalidTransition):
		var terr *model.TransitionError
		var details any
		if errors.As(err, &terr) {
			details = map[string]string{"from": string(terr.From), "to": string(terr.To)}
		}
		writeErrorDetails(w, r, http.StatusConflict, "Invalid State Transition", model.ErrCodeInvalidTransition,
			"The run cannot move to the requested status", details)
	case errors.Is(err, demoruns.ErrMissingFields):
		writeError(w, r, http.StatusBadRequest, "Missing required fields: runId, status, statusMessage",
			model.ErrCodeMissingFields, "runId, status and statusMessage are required")
	case errors.Is(err, demoruns.ErrDispatch):
		h.logger.Error("demo dispatch failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, f.title, f.code, "Failed to initiate demo execution")
	default:
		h.logger.Error(f.message, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, f.title, f.code, f.message)
	}
}

package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/symbolicai/demoflow/internal/integrity"
	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/service/demoruns"
)

// HandleStartRun handles POST /demos/{demoId}/run.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	demoID := r.PathValue("demoId")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("demoflow.demo_id", demoID))

	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}

	held, proceed := h.reserveKey(w, r, claims.UserID, startEndpoint(demoID), req)
	if !proceed {
		return
	}

	resp, err := h.runs.Start(r.Context(), claims.UserID, demoID, req)
	if err != nil {
		h.release(r, held)
		h.writeServiceError(w, r, startFailure, err)
		return
	}
	h.storeResponse(r, held, http.StatusAccepted, resp)
	writeJSON(w, http.StatusAccepted, resp)
}

// verifiedBody reads the request body and checks the engine's signature
// over it for the run named in the path. Nothing about the run is looked up
// until the signature holds.
func (h *Handlers) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readBody(w, r, h.maxRequestBodyBytes)
	if err != nil {
		handleDecodeError(w, r, err)
		return nil, false
	}
	err = h.signer.Verify(r.PathValue("runId"),
		r.Header.Get(integrity.SignatureHeader), r.Header.Get(integrity.TimestampHeader), body)
	switch {
	case err == nil:
		return body, true
	case errors.Is(err, integrity.ErrMissingSignature):
		writeError(w, r, http.StatusUnauthorized, "Unauthorized", model.ErrCodeMissingSignature,
			"Missing "+integrity.SignatureHeader+" or "+integrity.TimestampHeader+" header")
	default:
		h.logger.Warn("callback signature rejected",
			"run_id", r.PathValue("runId"), "remote_addr", r.RemoteAddr, "error", err)
		writeError(w, r, http.StatusUnauthorized, "Unauthorized", model.ErrCodeInvalidSignature,
			"Invalid callback signature")
	}
	return nil, false
}

// HandleCallback handles POST /demos/{runId}/callback.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r)
	if !ok {
		return
	}
	resp, err := h.runs.Callback(r.Context(), r.PathValue("runId"), body)
	if err != nil {
		h.writeServiceError(w, r, callbackFailure, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleProgress handles POST /demos/{runId}/progress.
func (h *Handlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r)
	if !ok {
		return
	}
	resp, err := h.runs.Progress(r.Context(), r.PathValue("runId"), body)
	if err != nil {
		h.writeServiceError(w, r, progressFailure, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseRunID reads the runId path value. Malformed ids are answered as not
// found so ids cannot be probed for shape.
func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("runId"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "Not Found", model.ErrCodeNotFound, "Demo run not found")
		return uuid.Nil, false
	}
	return id, true
}

// HandleStatus handles GET /demos/{runId}/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	resp, err := h.runs.Status(r.Context(), ClaimsFromContext(r.Context()).UserID, runID)
	if err != nil {
		h.writeServiceError(w, r, statusFailure, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleLatest handles GET /demos/latest.
func (h *Handlers) HandleLatest(w http.ResponseWriter, r *http.Request) {
	resp, err := h.runs.Latest(r.Context(), ClaimsFromContext(r.Context()).UserID, r.URL.Query().Get("demoId"))
	if errors.Is(err, demoruns.ErrRunNotFound) {
		writeError(w, r, http.StatusNotFound, demoruns.NoLatestRunMessage, model.ErrCodeNotFound,
			"No demo runs found for this user")
		return
	}
	if err != nil {
		h.writeServiceError(w, r, statusFailure, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

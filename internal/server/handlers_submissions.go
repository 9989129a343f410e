package server

import (
	"errors"
	"net/http"

	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/service/submissions"
)

// HandleLeadQualification handles POST /lead-qualification, the public
// form that goes straight to the lead workflow without a stored run.
func (h *Handlers) HandleLeadQualification(w http.ResponseWriter, r *http.Request) {
	var form submissions.LeadForm
	if err := decodeJSON(w, r, &form, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.submissions.SubmitLead(r.Context(), form)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, submissions.ErrMissingFields):
		writeError(w, r, http.StatusBadRequest, "Missing required fields", model.ErrCodeMissingFields,
			"firstname, lastname, email, phone, companywebsite and request are required")
	case errors.Is(err, submissions.ErrSpam):
		writeError(w, r, http.StatusBadRequest, "Spam submission detected", model.ErrCodeSpamDetected,
			"Submission rejected")
	default:
		h.logger.Error("lead submission failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "Submission Failed", model.ErrCodeSubmission, err.Error())
	}
}

// HandleChatbot handles POST /chatbot/messages.
func (h *Handlers) HandleChatbot(w http.ResponseWriter, r *http.Request) {
	var msg submissions.ChatMessage
	if err := decodeJSON(w, r, &msg, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	reply, err := h.submissions.Chat(r.Context(), ClaimsFromContext(r.Context()).UserID, msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.Is(err, submissions.ErrMissingSessionID):
		writeError(w, r, http.StatusBadRequest, "Missing session ID", model.ErrCodeMissingSessionID,
			"sessionId is required")
	default:
		h.logger.Error("chatbot relay failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "Chatbot Error", model.ErrCodeChatbot,
			"Failed to process message")
	}
}

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/symbolicai/demoflow/internal/model"
)

// Event names sent on a run's stream.
const (
	eventConnected    = "connected"
	eventStatusUpdate = "status_update"
)

// HandleEvents handles GET /demos/{runId}/events: a server-sent event stream
// of the run's progress. The stream sends the cached update first, then live
// updates, and ends after a terminal status.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	current, updates, cancel, err := h.runs.Watch(r.Context(), ClaimsFromContext(r.Context()).UserID, runID)
	if err != nil {
		h.writeServiceError(w, r, statusFailure, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Disable the server's WriteTimeout for this long-lived connection.
	_ = rc.SetWriteDeadline(time.Time{})

	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := w.Write(formatSSE(event, string(data))); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !send(eventConnected, map[string]string{"runId": runID.String()}) {
		return
	}
	if current != nil {
		if !send(eventStatusUpdate, current) || isTerminal(current.Status) {
			return
		}
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			if !send(eventStatusUpdate, u) || isTerminal(u.Status) {
				return
			}
		}
	}
}

func isTerminal(status string) bool {
	return model.RunStatus(status).IsTerminal()
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

// Package submissions relays lead forms and chatbot messages straight to the
// automation engine and shapes its reply for the browser. Unlike demo runs
// nothing is persisted; the caller waits for the engine.
package submissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/symbolicai/demoflow/internal/catalog"
	"github.com/symbolicai/demoflow/internal/webhook"
)

var (
	ErrMissingFields    = errors.New("submissions: missing required fields")
	ErrSpam             = errors.New("submissions: spam detected")
	ErrMissingSessionID = errors.New("submissions: missing session id")
)

// Relay posts a body to a target and returns the raw reply.
type Relay interface {
	Post(ctx context.Context, target webhook.Target, v any) (webhook.Reply, error)
}

// Resolver looks up the lead and chatbot endpoints.
type Resolver interface {
	Resolve(demoID string) (webhook.Target, error)
	ResolveLeadSubmission() (webhook.Target, error)
}

// Service relays submissions.
type Service struct {
	relay    Relay
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service.
func New(relay Relay, resolver Resolver, logger *slog.Logger) *Service {
	return &Service{relay: relay, resolver: resolver, logger: logger, now: time.Now}
}

// LeadForm is the lead qualification form. Website is a honeypot that real
// users never see.
type LeadForm struct {
	FirstName      string `json:"firstname"`
	LastName       string `json:"lastname"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	CompanyWebsite string `json:"companywebsite"`
	Request        string `json:"request"`
	RunID          string `json:"runId,omitempty"`
	Website        string `json:"website,omitempty"`
}

type leadData struct {
	Category       string    `json:"category"`
	FirstName      string    `json:"firstname"`
	LastName       string    `json:"lastname"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	CompanyWebsite string    `json:"companywebsite"`
	Request        string    `json:"request"`
	RunID          string    `json:"runId"`
	Timestamp      time.Time `json:"timestamp"`
}

// LeadResult is returned to the browser after a lead submission.
type LeadResult struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	RunID       string          `json:"runId"`
	N8NResponse json.RawMessage `json:"n8nResponse"`
}

var (
	defaultLeadReply  = json.RawMessage(`{"qualified":true,"message":"Form submitted successfully"}`)
	inactiveLeadReply = json.RawMessage(`{"qualified":true,"message":"Form submitted... lead qualified (webhook not active)"}`)
)

// SubmitLead validates f and forwards it. A 404 from the engine means the
// workflow is not active yet and is reported as a success.
func (s *Service) SubmitLead(ctx context.Context, f LeadForm) (LeadResult, error) {
	if f.FirstName == "" || f.LastName == "" || f.Email == "" || f.Phone == "" || f.CompanyWebsite == "" || f.Request == "" {
		return LeadResult{}, ErrMissingFields
	}
	if strings.TrimSpace(f.Website) != "" {
		s.logger.Info("lead submission rejected: honeypot filled")
		return LeadResult{}, ErrSpam
	}

	target, err := s.resolver.ResolveLeadSubmission()
	if err != nil {
		return LeadResult{}, err
	}
	runID := f.RunID
	if runID == "" {
		runID = s.leadRunID()
	}
	payload := map[string]leadData{"data": {
		Category:       "lead_qualification",
		FirstName:      f.FirstName,
		LastName:       f.LastName,
		Email:          f.Email,
		Phone:          f.Phone,
		CompanyWebsite: f.CompanyWebsite,
		Request:        f.Request,
		RunID:          runID,
		Timestamp:      s.now().UTC(),
	}}

	reply, err := s.relay.Post(ctx, target, payload)
	if err != nil {
		return LeadResult{}, err
	}
	if reply.StatusCode == http.StatusNotFound {
		s.logger.Warn("lead webhook not registered, returning default response", "run_id", runID)
		return LeadResult{
			Success:     true,
			Message:     "Form submitted successfully (webhook not active)",
			RunID:       runID,
			N8NResponse: inactiveLeadReply,
		}, nil
	}
	if !reply.OK() {
		return LeadResult{}, fmt.Errorf("webhook failed: %d %s - %s",
			reply.StatusCode, http.StatusText(reply.StatusCode), strings.TrimSpace(string(reply.Body)))
	}

	n8n := defaultLeadReply
	if body := strings.TrimSpace(string(reply.Body)); body != "" && json.Valid([]byte(body)) {
		n8n = json.RawMessage(body)
	}
	return LeadResult{Success: true, Message: "Form submitted successfully", RunID: runID, N8NResponse: n8n}, nil
}

// leadRunID returns lq_<unix millis>_<9 base36 chars>.
func (s *Service) leadRunID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return "lq_" + strconv.FormatInt(s.now().UnixMilli(), 10) + "_" + string(suffix)
}

// ChatMessage is one turn in a chatbot session.
type ChatMessage struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Action    string `json:"action,omitempty"`
}

type chatPayload struct {
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	UserID    uuid.UUID `json:"userId"`
}

// ChatReply is returned to the browser for each message.
type ChatReply struct {
	Success   bool      `json:"success"`
	Response  string    `json:"response"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

const chatFallback = "Thank you for your message. I'm processing your request."

// Chat forwards m to the chatbot workflow on behalf of userID.
func (s *Service) Chat(ctx context.Context, userID uuid.UUID, m ChatMessage) (ChatReply, error) {
	if m.SessionID == "" {
		return ChatReply{}, ErrMissingSessionID
	}
	if m.Action == "" {
		m.Action = "message"
	}
	target, err := s.resolver.Resolve(catalog.CustomerServiceBot)
	if err != nil {
		return ChatReply{}, err
	}

	reply, err := s.relay.Post(ctx, target, chatPayload{
		SessionID: m.SessionID,
		Message:   m.Message,
		Action:    m.Action,
		Timestamp: s.now().UTC(),
		UserID:    userID,
	})
	if err != nil {
		return ChatReply{}, err
	}
	if !reply.OK() {
		return ChatReply{}, fmt.Errorf("n8n webhook failed: %d %s", reply.StatusCode, http.StatusText(reply.StatusCode))
	}

	var data struct {
		Response string `json:"response"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(reply.Body, &data); err != nil {
		return ChatReply{}, fmt.Errorf("submissions: decode chatbot reply: %w", err)
	}
	text := data.Response
	if text == "" {
		text = data.Message
	}
	if text == "" {
		text = chatFallback
	}
	return ChatReply{Success: true, Response: text, SessionID: m.SessionID, Timestamp: s.now().UTC()}, nil
}

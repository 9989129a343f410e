package submissions_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symbolicai/demoflow/internal/service/submissions"
	"github.com/symbolicai/demoflow/internal/testutil"
	"github.com/symbolicai/demoflow/internal/webhook"
)

func newService(t *testing.T, handler http.HandlerFunc) *submissions.Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	resolver := webhook.NewResolver(webhook.ResolverConfig{
		DefaultURL: srv.URL + "/lead",
		ChatbotURL: srv.URL + "/chat",
		LeadAPIKey: "lead-key",
	})
	return submissions.New(webhook.NewRelay(&http.Client{}, time.Second), resolver, testutil.TestLogger())
}

func validForm() submissions.LeadForm {
	return submissions.LeadForm{
		FirstName:      "John",
		LastName:       "Doe",
		Email:          "john@example.com",
		Phone:          "+1 555 123 4567",
		CompanyWebsite: "https://example.com",
		Request:        "Need faster lead follow-up",
	}
}

func TestSubmitLead_ForwardsNestedPayload(t *testing.T) {
	var got map[string]map[string]any
	svc := newService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/lead", r.URL.Path)
		assert.Equal(t, "lead-key", r.Header.Get("x-api-key"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"qualified":false,"score":40}`))
	})

	res, err := svc.SubmitLead(context.Background(), validForm())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, strings.HasPrefix(res.RunID, "lq_"), res.RunID)
	assert.JSONEq(t, `{"qualified":false,"score":40}`, string(res.N8NResponse))
	assert.Equal(t, "lead_qualification", got["data"]["category"])
	assert.Equal(t, res.RunID, got["data"]["runId"])
}

func TestSubmitLead_MissingFields(t *testing.T) {
	svc := newService(t, func(http.ResponseWriter, *http.Request) { t.Error("engine must not be called") })
	f := validForm()
	f.Phone = ""
	_, err := svc.SubmitLead(context.Background(), f)
	assert.True(t, errors.Is(err, submissions.ErrMissingFields))
}

func TestSubmitLead_Honeypot(t *testing.T) {
	svc := newService(t, func(http.ResponseWriter, *http.Request) { t.Error("engine must not be called") })
	f := validForm()
	f.Website = "http://spam.example"
	_, err := svc.SubmitLead(context.Background(), f)
	assert.True(t, errors.Is(err, submissions.ErrSpam))
}

func TestSubmitLead_InactiveWebhook(t *testing.T) {
	svc := newService(t, http.NotFound)
	f := validForm()
	f.RunID = "lq_given"
	res, err := svc.SubmitLead(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, "Form submitted successfully (webhook not active)", res.Message)
	assert.Equal(t, "lq_given", res.RunID)
}

func TestSubmitLead_NonJSONReplyUsesDefault(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("Workflow was started")) })
	res, err := svc.SubmitLead(context.Background(), validForm())
	require.NoError(t, err)
	assert.JSONEq(t, `{"qualified":true,"message":"Form submitted successfully"}`, string(res.N8NResponse))
}

func TestSubmitLead_EngineError(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err := svc.SubmitLead(context.Background(), validForm())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestChat(t *testing.T) {
	userID := uuid.New()
	svc := newService(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, "message", body["action"])
		assert.Equal(t, userID.String(), body["userId"])
		_, _ = w.Write([]byte(`{"message":"Hi! How can I help?"}`))
	})

	reply, err := svc.Chat(context.Background(), userID, submissions.ChatMessage{SessionID: "s1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hi! How can I help?", reply.Response)
	assert.Equal(t, "s1", reply.SessionID)
}

func TestChat_FallbackText(t *testing.T) {
	svc := newService(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{}`)) })
	reply, err := svc.Chat(context.Background(), uuid.New(), submissions.ChatMessage{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "Thank you for your message. I'm processing your request.", reply.Response)
}

func TestChat_MissingSession(t *testing.T) {
	svc := newService(t, func(http.ResponseWriter, *http.Request) { t.Error("engine must not be called") })
	_, err := svc.Chat(context.Background(), uuid.New(), submissions.ChatMessage{})
	assert.True(t, errors.Is(err, submissions.ErrMissingSessionID))
}

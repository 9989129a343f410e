// Package webhook delivers work to the external automation engine.
//
// Resolver maps a demo to its endpoint and credentials. Dispatcher posts run
// requests in the background and reports delivery failures. Relay is the
// synchronous client used by endpoints that return the engine's reply.
package webhook

import (
	"errors"
	"fmt"

	"github.com/symbolicai/demoflow/internal/catalog"
)

// ErrNotConfigured is returned when no endpoint is configured for a demo.
var ErrNotConfigured = errors.New("webhook: not configured")

// Target is a resolved endpoint with optional credentials.
type Target struct {
	URL      string
	Username string
	Password string
	APIKey   string
}

// HasBasicAuth reports whether both halves of the Basic credential are set.
func (t Target) HasBasicAuth() bool {
	return t.Username != "" && t.Password != ""
}

// ResolverConfig is the subset of process configuration the resolver reads.
type ResolverConfig struct {
	DefaultURL string
	Username   string
	Password   string
	PerDemo    map[string]string
	ChatbotURL string
	LeadAPIKey string
}

// Resolver is a pure function of its configuration.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve returns the endpoint a run of demoID is delivered to.
func (r *Resolver) Resolve(demoID string) (Target, error) {
	if demoID == catalog.CustomerServiceBot {
		if r.cfg.ChatbotURL == "" {
			return Target{}, fmt.Errorf("%w: chatbot url", ErrNotConfigured)
		}
		return Target{URL: r.cfg.ChatbotURL}, nil
	}

	url := r.cfg.PerDemo[demoID]
	if url == "" {
		url = r.cfg.DefaultURL
	}
	if url == "" {
		return Target{}, fmt.Errorf("%w: N8N_WEBHOOK_URL is required for %s", ErrNotConfigured, demoID)
	}
	t := Target{URL: url}
	if r.cfg.Username != "" && r.cfg.Password != "" {
		t.Username = r.cfg.Username
		t.Password = r.cfg.Password
	}
	return t, nil
}

// ResolveLeadSubmission returns the endpoint for direct lead form
// submissions, authenticated with the lead API key instead of Basic auth.
func (r *Resolver) ResolveLeadSubmission() (Target, error) {
	t, err := r.Resolve(catalog.LeadQualification)
	if err != nil {
		return Target{}, err
	}
	t.Username, t.Password = "", ""
	t.APIKey = r.cfg.LeadAPIKey
	return t, nil
}

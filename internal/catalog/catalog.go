// Package catalog is the static registry of demo types and the per-type
// schemas their input and output payloads must satisfy.
package catalog

import (
	"encoding/json"

	"github.com/symbolicai/demoflow/internal/model"
)

// Demo type identifiers.
const (
	LeadQualification    = "speed-to-lead-qualification"
	CustomerServiceBot   = "customer-service-chatbot"
	AppointmentScheduler = "ai-appointment-scheduler"
	ContentGenerator     = "content-generator"
	DataAnalytics        = "data-analytics"
)

// Defaults applied to registry entries that do not override them.
const (
	DefaultTimeoutSeconds = 120
	DefaultMaxRetries     = 3
)

type entry struct {
	config model.DemoConfig
	// input and output return a fresh pointer to the schema struct, or nil
	// when the payload is free-form.
	input  func() any
	output func() any
	// example is a valid input payload shown to agents.
	example string
}

var allPersonas = []string{model.PersonaSMB, model.PersonaExec, model.PersonaFreelancer, model.PersonaSolo}

var registry = []entry{
	{
		config: model.DemoConfig{
			ID:              LeadQualification,
			Name:            "Speed-to-Lead Qualification",
			Description:     "An AI voice agent calls a new lead within seconds, qualifies them, and reports a score with next steps.",
			TimeoutSeconds:  DefaultTimeoutSeconds,
			MaxRetries:      DefaultMaxRetries,
			RequiresAuth:    true,
			AllowedPersonas: []string{model.PersonaSMB, model.PersonaExec, model.PersonaFreelancer},
		},
		input:   func() any { return new(leadQualificationInput) },
		output:  func() any { return new(leadQualificationOutput) },
		example: `{"name":"Jane Doe","email":"jane@example.com","phone":"+14155550100","company":"Acme","request":"Interested in pricing"}`,
	},
	{
		config: model.DemoConfig{
			ID:              CustomerServiceBot,
			Name:            "Customer Service Chatbot",
			Description:     "A support assistant that answers questions from your knowledge base around the clock.",
			TimeoutSeconds:  DefaultTimeoutSeconds,
			MaxRetries:      DefaultMaxRetries,
			RequiresAuth:    true,
			AllowedPersonas: allPersonas,
		},
		input:   func() any { return new(chatbotInput) },
		example: `{"sessionId":"session-1","message":"What are your opening hours?"}`,
	},
	{
		config: model.DemoConfig{
			ID:              AppointmentScheduler,
			Name:            "AI Appointment Scheduler",
			Description:     "Books, confirms and reschedules appointments directly into your calendar.",
			TimeoutSeconds:  DefaultTimeoutSeconds,
			MaxRetries:      DefaultMaxRetries,
			RequiresAuth:    true,
			AllowedPersonas: allPersonas,
		},
		input:   func() any { return new(appointmentInput) },
		output:  func() any { return new(appointmentOutput) },
		example: `{"name":"Jane Doe","email":"jane@example.com","preferredDate":"2026-11-02","preferredTime":"14:30","timezone":"America/New_York"}`,
	},
	{
		config: model.DemoConfig{
			ID:             ContentGenerator,
			Name:           "Content Generator",
			Description:    "Drafts on-brand posts, emails and landing copy.",
			TimeoutSeconds: DefaultTimeoutSeconds,
			MaxRetries:     DefaultMaxRetries,
			RequiresAuth:   true,
			Locked:         true,
		},
	},
	{
		config: model.DemoConfig{
			ID:             DataAnalytics,
			Name:           "Data Analytics",
			Description:    "Turns raw business data into weekly insight reports.",
			TimeoutSeconds: DefaultTimeoutSeconds,
			MaxRetries:     DefaultMaxRetries,
			RequiresAuth:   true,
			Locked:         true,
		},
	},
}

func find(id string) (entry, bool) {
	for _, e := range registry {
		if e.config.ID == id {
			return e, true
		}
	}
	return entry{}, false
}

// Lookup returns the registry entry for id, including locked entries.
func Lookup(id string) (model.DemoConfig, bool) {
	e, ok := find(id)
	return e.config, ok
}

// Runnable returns the config for id only if the demo can be started.
func Runnable(id string) (model.DemoConfig, bool) {
	e, ok := find(id)
	if !ok || e.config.Locked {
		return model.DemoConfig{}, false
	}
	return e.config, true
}

// Example returns a valid input payload for id. Free-form demos have none.
func Example(id string) (json.RawMessage, bool) {
	e, ok := find(id)
	if !ok || e.example == "" {
		return nil, false
	}
	return json.RawMessage(e.example), true
}

// List returns every registry entry in display order.
func List() []model.DemoConfig {
	out := make([]model.DemoConfig, 0, len(registry))
	for _, e := range registry {
		out = append(out, e.config)
	}
	return out
}

// ValidateInput checks raw against the demo type's input schema. A missing
// payload is validated as an empty object so required fields are reported.
func ValidateInput(demoID string, raw json.RawMessage) error {
	e, ok := find(demoID)
	if !ok {
		return &ValidationError{Fields: map[string]string{"demoId": "is not a known demo type"}}
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	return decodeAndValidate("inputData", raw, e.input)
}

// ValidateOutput checks raw against the demo type's output schema.
func ValidateOutput(demoID string, raw json.RawMessage) error {
	e, ok := find(demoID)
	if !ok {
		return &ValidationError{Fields: map[string]string{"demoId": "is not a known demo type"}}
	}
	return decodeAndValidate("outputData", raw, e.output)
}

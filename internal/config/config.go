// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultChatbotWebhookURL is the chat workflow the customer service demo
// talks to when CHATBOT_WEBHOOK_URL is unset.
const DefaultChatbotWebhookURL = "https://n8n.srv995431.hstgr.cloud/webhook/0c43d2e2-2990-4e61-9d0b-4f5a98e6dab5/chat"

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int           `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"DEMOFLOW_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"DEMOFLOW_WRITE_TIMEOUT" default:"30s"`
	Environment  string        `envconfig:"DEMOFLOW_ENV" default:"development"`
	BaseURL      string        `envconfig:"DEMOFLOW_BASE_URL" default:"http://localhost:8080"` // Used to build callback URLs.
	// CORSAllowedOrigins lists browser origins allowed to call the API. "*" allows any.
	CORSAllowedOrigins  []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:5173"`
	MaxRequestBodyBytes int64    `envconfig:"DEMOFLOW_MAX_REQUEST_BODY_BYTES" default:"1048576"`

	// Database settings.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	NotifyURL   string `envconfig:"NOTIFY_URL"` // Direct Postgres URL for LISTEN/NOTIFY; empty disables it.

	// Identity settings.
	SupabaseJWTSecret string `envconfig:"SUPABASE_JWT_SECRET"`
	SupabaseJWTIssuer string `envconfig:"SUPABASE_JWT_ISSUER"`
	// LegacyAuthErrors reports start-route auth failures as 500 EXECUTION_ERROR
	// instead of 401 UNAUTHORIZED, for clients written against the old contract.
	LegacyAuthErrors bool `envconfig:"DEMOFLOW_LEGACY_AUTH_ERRORS" default:"false"`

	// Callback authenticity.
	CallbackSigningSecret string        `envconfig:"CALLBACK_SIGNING_SECRET"`
	CallbackMaxSkew       time.Duration `envconfig:"CALLBACK_MAX_SKEW" default:"5m"`
	// LenientTransitions applies callback statuses even when the lifecycle
	// table forbids them, logging a warning instead of answering 409.
	LenientTransitions bool `envconfig:"DEMOFLOW_LENIENT_TRANSITIONS" default:"false"`

	// Automation webhooks.
	N8NWebhookURL      string            `envconfig:"N8N_WEBHOOK_URL"`
	N8NWebhookUsername string            `envconfig:"N8N_WEBHOOK_USERNAME"`
	N8NWebhookPassword string            `envconfig:"N8N_WEBHOOK_PASSWORD"`
	DemoWebhookURLs    WebhookURLs       `envconfig:"DEMO_WEBHOOK_URLS"` // demoId=url pairs overriding N8N_WEBHOOK_URL.
	ChatbotWebhookURL  string            `envconfig:"CHATBOT_WEBHOOK_URL"`
	LeadWebhookAPIKey  string            `envconfig:"LEAD_WEBHOOK_API_KEY"`
	RelayTimeout       time.Duration     `envconfig:"DEMOFLOW_RELAY_TIMEOUT" default:"30s"`

	// Rate limits.
	DemoExecutionLimit  int           `envconfig:"DEMOFLOW_DEMO_EXECUTION_LIMIT" default:"10"`
	DemoExecutionWindow time.Duration `envconfig:"DEMOFLOW_DEMO_EXECUTION_WINDOW" default:"1h"`
	CallbackLimit       int           `envconfig:"DEMOFLOW_CALLBACK_LIMIT" default:"100"`
	CallbackWindow      time.Duration `envconfig:"DEMOFLOW_CALLBACK_WINDOW" default:"1h"`

	// Status cache.
	StatusCacheBackend string        `envconfig:"DEMOFLOW_STATUS_CACHE" default:"memory"` // "memory" or "postgres"
	StatusCacheTTL     time.Duration `envconfig:"DEMOFLOW_STATUS_CACHE_TTL" default:"1h"`

	// Operational settings.
	SweepSchedule   string        `envconfig:"DEMOFLOW_SWEEP_SCHEDULE" default:"@every 30s"`
	SweepBatchSize  int           `envconfig:"DEMOFLOW_SWEEP_BATCH_SIZE" default:"100"`
	IdempotencyTTL  time.Duration `envconfig:"DEMOFLOW_IDEMPOTENCY_TTL" default:"24h"`
	ShutdownTimeout time.Duration `envconfig:"DEMOFLOW_SHUTDOWN_TIMEOUT" default:"15s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`

	// OTEL settings.
	OTELEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	ServiceName  string `envconfig:"OTEL_SERVICE_NAME" default:"demoflow"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ChatbotWebhookURL == "" {
		cfg.ChatbotWebhookURL = DefaultChatbotWebhookURL
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
// All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	if c.SupabaseJWTSecret == "" {
		errs = append(errs, errors.New("config: SUPABASE_JWT_SECRET is required"))
	}
	if len(c.CallbackSigningSecret) < 16 {
		errs = append(errs, errors.New("config: CALLBACK_SIGNING_SECRET must be at least 16 characters"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: PORT %d out of range", c.Port))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("config: DEMOFLOW_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.DemoExecutionLimit <= 0 || c.DemoExecutionWindow <= 0 {
		errs = append(errs, errors.New("config: demo execution limit and window must be positive"))
	}
	if c.CallbackLimit <= 0 || c.CallbackWindow <= 0 {
		errs = append(errs, errors.New("config: callback limit and window must be positive"))
	}
	switch c.StatusCacheBackend {
	case "memory":
	case "postgres":
		if c.NotifyURL == "" {
			errs = append(errs, errors.New("config: DEMOFLOW_STATUS_CACHE=postgres requires NOTIFY_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown DEMOFLOW_STATUS_CACHE %q", c.StatusCacheBackend))
	}
	for demoID, raw := range c.DemoWebhookURLs {
		if err := checkURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("config: DEMO_WEBHOOK_URLS[%s]: %w", demoID, err))
		}
	}
	if c.N8NWebhookURL != "" {
		if err := checkURL(c.N8NWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("config: N8N_WEBHOOK_URL: %w", err))
		}
	}
	if err := checkURL(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("config: DEMOFLOW_BASE_URL: %w", err))
	}
	return errors.Join(errs...)
}

// WebhookURLs maps demo ids to webhook URLs. It decodes from
// "demoId=url,demoId=url"; a colon separator would collide with URL schemes.
type WebhookURLs map[string]string

// Decode implements envconfig.Decoder.
func (w *WebhookURLs) Decode(value string) error {
	out := WebhookURLs{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, u, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(u) == "" {
			return fmt.Errorf("invalid webhook mapping %q, want demoId=url", pair)
		}
		out[strings.TrimSpace(id)] = strings.TrimSpace(u)
	}
	*w = out
	return nil
}

// IsProduction reports whether the service runs in a production environment.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

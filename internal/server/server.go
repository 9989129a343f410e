package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/symbolicai/demoflow/internal/ratelimit"
	"github.com/symbolicai/demoflow/internal/service/demoruns"
	"github.com/symbolicai/demoflow/internal/service/submissions"
)

// Server is the demoflow HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Submissions, Idempotency, DB, CallbackLimiter,
// MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Runs     *demoruns.Service
	Verifier TokenVerifier
	Signer   CallbackVerifier
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Submissions     *submissions.Service
	Idempotency     IdempotencyStore
	DB              Pinger
	CallbackLimiter ratelimit.Limiter
	MCPServer       *mcpserver.MCPServer
	OpenAPISpec     []byte

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Environment         string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
	KeepaliveInterval   time.Duration
	// LegacyAuthErrors answers unauthenticated starts with 500 EXECUTION_ERROR.
	LegacyAuthErrors bool
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runs:                cfg.Runs,
		Submissions:         cfg.Submissions,
		Signer:              cfg.Signer,
		Idempotency:         cfg.Idempotency,
		DB:                  cfg.DB,
		Logger:              cfg.Logger,
		Environment:         cfg.Environment,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		KeepaliveInterval:   cfg.KeepaliveInterval,
	})

	user := requireUser(false)
	startUser := requireUser(cfg.LegacyAuthErrors)
	// Engine routes are limited per source address on top of the signature.
	engineRL := ratelimit.Middleware(cfg.CallbackLimiter, ratelimit.IPKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Browser-facing run lifecycle.
	mux.Handle("POST /demos/{demoId}/run", startUser(http.HandlerFunc(h.HandleStartRun)))
	mux.Handle("GET /demos/{runId}/status", user(http.HandlerFunc(h.HandleStatus)))
	mux.Handle("GET /demos/{runId}/events", user(http.HandlerFunc(h.HandleEvents)))
	mux.Handle("GET /demos/latest", user(http.HandlerFunc(h.HandleLatest)))
	mux.HandleFunc("GET /demos", h.HandleListDemos)

	// Automation engine reports, authenticated by signature.
	mux.Handle("POST /demos/{runId}/callback", engineRL(http.HandlerFunc(h.HandleCallback)))
	mux.Handle("POST /demos/{runId}/progress", engineRL(http.HandlerFunc(h.HandleProgress)))

	// Direct relays.
	if cfg.Submissions != nil {
		mux.HandleFunc("POST /lead-qualification", h.HandleLeadQualification)
		mux.Handle("POST /chatbot/messages", user(http.HandlerFunc(h.HandleChatbot)))
	}

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", user(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	if len(cfg.OpenAPISpec) > 0 {
		doc := cfg.OpenAPISpec
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			w.Header().Set("Cache-Control", "public, max-age=3600")
			_, _ = w.Write(doc)
		})
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Verifier, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

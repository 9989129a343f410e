// Package server implements the demoflow HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/symbolicai/demoflow/internal/auth"
	"github.com/symbolicai/demoflow/internal/ctxutil"
	"github.com/symbolicai/demoflow/internal/model"
	"github.com/symbolicai/demoflow/internal/telemetry"
)

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	return ctxutil.RequestIDFromContext(ctx)
}

// ClaimsFromContext extracts the verified token claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	return ctxutil.ClaimsFromContext(ctx)
}

// requestIDMiddleware assigns a unique request ID to each request and
// records the request metadata audit entries are tagged with.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		ctx := ctxutil.WithRequestMeta(r.Context(), ctxutil.RequestMeta{
			RequestID:  reqID,
			HTTPMethod: r.Method,
			Endpoint:   r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		})
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeadersMiddleware sets conservative headers on every response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware admits browser calls from the configured origins. "*"
// admits any origin. Preflight requests are answered here with 204.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	wildcard := slices.Contains(allowed, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || slices.Contains(allowed, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-Request-ID")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the event stream needs for flushing and deadline control.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

var (
	tracer    = telemetry.Tracer("demoflow/http")
	httpMeter = telemetry.Meter("demoflow/http")
)

// tracingMiddleware creates an OTEL span for each HTTP request
// and records request count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	requests, _ := httpMeter.Int64Counter("http.server.request_count")
	latency, _ := httpMeter.Float64Histogram("http.server.duration", otelmetric.WithUnit("ms"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(wrapped, r)

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))
		// The mux sets Pattern on its own copy when auth replaced r.
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if requests != nil {
			requests.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if latency != nil {
			latency.Record(ctx, float64(time.Since(start).Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// authMiddleware verifies a bearer token when one is presented and puts the
// claims in the context. It never rejects: routes that need a user wrap
// themselves in requireUser, and engine-facing routes authenticate by
// signature instead.
func authMiddleware(verifier TokenVerifier, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, err := auth.BearerToken(header)
		if err == nil {
			var claims *auth.Claims
			if claims, err = verifier.Verify(token); err == nil {
				trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("demoflow.user_id", claims.UserID.String()))
				next.ServeHTTP(w, r.WithContext(ctxutil.WithClaims(r.Context(), claims)))
				return
			}
		}
		logger.Debug("bearer token rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
		next.ServeHTTP(w, r)
	})
}

// requireUser rejects requests without verified claims. With legacy set the
// rejection reproduces the historical 500 EXECUTION_ERROR body of the start
// route instead of 401.
func requireUser(legacy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ClaimsFromContext(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}
			msg := "Invalid or expired token"
			if r.Header.Get("Authorization") == "" {
				msg = "Missing authorization header"
			}
			if legacy {
				writeError(w, r, http.StatusInternalServerError, "Demo Execution Failed", model.ErrCodeExecution, msg)
				return
			}
			writeError(w, r, http.StatusUnauthorized, "Unauthorized", model.ErrCodeUnauthorized, msg)
		})
	}
}

// recoveryMiddleware turns a handler panic into a structured 500.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error("panic in handler",
				"panic", rec,
				"path", r.URL.Path,
				"request_id", RequestIDFromContext(r.Context()),
				"stack", string(debug.Stack()),
			)
			writeError(w, r, http.StatusInternalServerError, "Internal Server Error", model.ErrCodeInternal,
				"An unexpected error occurred")
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the flat error body every failure uses.
func writeError(w http.ResponseWriter, r *http.Request, status int, title, code, message string) {
	writeErrorDetails(w, r, status, title, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, title, code, message string, details any) {
	w.Header().Set("X-Request-ID", RequestIDFromContext(r.Context()))
	writeJSON(w, status, model.ErrorResponse{
		Error:   title,
		Message: message,
		Code:    code,
		Details: details,
	})
}

var errEmptyBody = errors.New("empty request body")

// readBody reads at most limit bytes. Engine routes need the raw bytes to
// check the signature before anything is parsed.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	return body, nil
}

// decodeJSON decodes a size-limited JSON body into target. An empty body
// yields errEmptyBody.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, limit int64) error {
	body, err := readBody(w, r, limit)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(body, target)
}

// handleDecodeError reports a body that could not be read or parsed.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "Validation Error", model.ErrCodeValidation,
			"request body exceeds "+strconv.FormatInt(maxErr.Limit, 10)+" bytes")
		return
	}
	writeErrorDetails(w, r, http.StatusBadRequest, "Validation Error", model.ErrCodeValidation,
		"Invalid request body", map[string]string{"body": "must be a valid JSON object"})
}

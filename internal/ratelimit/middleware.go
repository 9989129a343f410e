package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/symbolicai/demoflow/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware that rejects requests once the limiter
// denies their key. A limiter error is treated as a denial.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter error, rejecting request", "key", key, "error", err)
				ok = false
			}
			if !ok {
				w.Header().Set("Retry-After", "60")
				WriteExceeded(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteExceeded writes the 429 body shared by every limited route.
func WriteExceeded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.ErrorResponse{
		Error:   "Rate Limit Exceeded",
		Message: "Too many requests. Please try again later.",
		Code:    model.ErrCodeRateLimited,
	})
}

// IPKeyFunc keys by RemoteAddr only. X-Forwarded-For is ignored because any
// client can set it; deploy behind a proxy that rewrites RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	return "ip:" + strings.Trim(addr, "[]")
}

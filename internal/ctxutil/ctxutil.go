// Package ctxutil carries request-scoped values shared by the HTTP server,
// the MCP handlers and the run service. It exists so those packages do not
// import each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/symbolicai/demoflow/internal/auth"
)

type contextKey string

const keyClaims contextKey = "claims"

// WithClaims attaches verified bearer-token claims to ctx.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext returns the verified claims, or nil for anonymous calls.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(keyClaims).(*auth.Claims)
	return c
}

// Caller returns the authenticated user. ok is false when the request
// carried no valid token or the token had no usable subject.
func Caller(ctx context.Context) (userID uuid.UUID, ok bool) {
	c := ClaimsFromContext(ctx)
	if c == nil || c.UserID == uuid.Nil {
		return uuid.Nil, false
	}
	return c.UserID, true
}

package ctxutil_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/symbolicai/demoflow/internal/auth"
	"github.com/symbolicai/demoflow/internal/ctxutil"
)

func TestCaller(t *testing.T) {
	_, ok := ctxutil.Caller(context.Background())
	assert.False(t, ok, "anonymous context")

	_, ok = ctxutil.Caller(ctxutil.WithClaims(context.Background(), &auth.Claims{}))
	assert.False(t, ok, "claims without a subject")

	id := uuid.New()
	got, ok := ctxutil.Caller(ctxutil.WithClaims(context.Background(), &auth.Claims{UserID: id}))
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestRequestMeta(t *testing.T) {
	assert.Empty(t, ctxutil.RequestIDFromContext(context.Background()))

	ctx := ctxutil.WithRequestMeta(context.Background(), ctxutil.RequestMeta{RequestID: "req-1", HTTPMethod: "POST"})
	meta, ok := ctxutil.RequestMetaFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "POST", meta.HTTPMethod)
	assert.Equal(t, "req-1", ctxutil.RequestIDFromContext(ctx))
}

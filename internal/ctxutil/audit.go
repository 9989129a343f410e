package ctxutil

import "context"

// RequestMeta describes the inbound request that triggered an operation.
// server populates it and the service layer copies it into audit entries,
// so MCP calls and HTTP calls are attributed the same way.
type RequestMeta struct {
	RequestID  string
	HTTPMethod string
	Endpoint   string
	RemoteAddr string
}

const keyRequestMeta contextKey = "request_meta"

// WithRequestMeta returns a new context carrying m.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, keyRequestMeta, m)
}

// RequestMetaFromContext returns the request metadata, if any.
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	m, ok := ctx.Value(keyRequestMeta).(RequestMeta)
	return m, ok
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	m, _ := RequestMetaFromContext(ctx)
	return m.RequestID
}

// Package ratelimit admits or denies actions per caller.
//
// Two limiters live here. Window counts per-user usage rows in a trailing
// window held by a Store (Postgres in production) and is what gates demo
// execution. MemoryLimiter is a per-process token bucket used to shed
// unauthenticated traffic by client IP before any database work happens.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "ip:10.0.0.1").
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources such as cleanup goroutines.
	Close() error
}

// NoopLimiter permits every request. Used when per-IP limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Rule is a static per-action limit over a trailing window.
type Rule struct {
	Action string
	Limit  int
	Window time.Duration
}

// Action names recorded in rate_limits.action.
const (
	ActionDemoExecution = "demo_execution"
	ActionCallback      = "callback"
)

// DemoExecutionRule admits 10 demo starts per user per hour.
var DemoExecutionRule = Rule{Action: ActionDemoExecution, Limit: 10, Window: time.Hour}

// CallbackRule admits 100 callbacks per source per hour.
var CallbackRule = Rule{Action: ActionCallback, Limit: 100, Window: time.Hour}

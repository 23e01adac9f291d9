// Package ratelimit paces calls to feedback providers.
//
// Provider methods block on Wait before every invocation so a burst of
// evaluator workers cannot exceed a provider's request budget. The in-memory
// token bucket (MemoryLimiter) paces per process; the Limiter interface is
// the contract for shared implementations.
package ratelimit

import "context"

// Limiter decides whether a call identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the call may proceed now, consuming a token.
	// The key is opaque; callers use the provider family name.
	Allow(ctx context.Context, key string) (bool, error)

	// Wait blocks until the call may proceed or ctx is done.
	Wait(ctx context.Context, key string) error

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every call. Used when pacing is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Wait returns immediately unless ctx is already done.
func (NoopLimiter) Wait(ctx context.Context, _ string) error { return ctx.Err() }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

package ratelimit

import "context"

// RateLimiter admits or rejects one event per call. Implementations smooth
// the limit over the period (GCRA) rather than using cliff-edge fixed
// windows, and are storage-agnostic.
type RateLimiter interface {
	// Allow atomically consumes one slot for key under config. When the
	// result is not allowed, RetryAfter says when the next slot opens.
	// Keys come from FormatKey.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}

// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter checks whether an event identified by key is allowed.
//
// Implementations use GCRA (Generic Cell Rate Algorithm) so requests are
// spread evenly over the period instead of bunching at window boundaries.
type RateLimiter interface {
	// Allow atomically consumes one cell for key and reports the outcome.
	// When not allowed, RetryAfter says when the next event would pass.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the maximum number of events that can occur at once.
	// Zero means Burst equals Rate.
	Burst int

	// Period is the time window for the rate limit.
	Period time.Duration
}

// PerMinute returns a config allowing rate events per minute with a burst of rate.
func PerMinute(rate int) RateLimitConfig {
	return RateLimitConfig{Rate: rate, Burst: rate, Period: time.Minute}
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed bool

	// Remaining is the number of events still allowed right now.
	Remaining int

	// RetryAfter is only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the bucket is full again.
	ResetAfter time.Duration
}

// KeyType identifies the type of rate limit key.
type KeyType string

const (
	// KeyTypeIP limits HTTP requests per client IP.
	KeyTypeIP KeyType = "ip"

	// KeyTypeConnection limits WebSocket frames per connection.
	KeyTypeConnection KeyType = "conn"
)

const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}", e.g. "ratelimit:ip:192.168.1.1".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

// Package ratelimit implements token-bucket message rate limiting with
// pluggable storage. The in-memory limiter serves single-instance
// deployments; the Redis limiter shares buckets across instances so a
// client reconnecting elsewhere keeps the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Policy describes one token bucket shape.
type Policy struct {
	// Capacity is the burst size: the maximum number of tokens a bucket
	// holds. A fresh bucket starts full.
	Capacity int64

	// TokensPerSecond is the sustained refill rate. Refill is integral:
	// floor(elapsed_seconds * TokensPerSecond) tokens per observation,
	// with the unconsumed fraction carried forward.
	TokensPerSecond float64

	// Prefix namespaces bucket keys in shared storage.
	Prefix string
}

// Validate rejects policies that cannot describe a working bucket.
func (p Policy) Validate() error {
	if p.Capacity < 1 {
		return fmt.Errorf("ratelimit: capacity must be >= 1, got %d", p.Capacity)
	}
	if p.TokensPerSecond <= 0 {
		return fmt.Errorf("ratelimit: tokens per second must be > 0, got %v", p.TokensPerSecond)
	}
	return nil
}

// Decision is the outcome of one consume attempt.
type Decision struct {
	Allowed   bool
	Remaining int64

	// RetryAfter is set on denial when waiting can ever succeed. Nil on a
	// denial means the cost exceeds the bucket capacity and no amount of
	// waiting will help.
	RetryAfter *time.Duration
}

// Limiter checks whether a keyed bucket can cover a cost, consuming the
// tokens when it can. Policy exposes the bucket shape the limiter was
// built with so callers such as the middleware can report limits without
// carrying the policy separately.
type Limiter interface {
	Consume(ctx context.Context, key string, cost int64) (Decision, error)
	Policy() Policy
}

// retryAfter computes how long until a bucket holding tokens can cover
// cost, rounded up to the millisecond.
func retryAfter(cost, tokens int64, tokensPerSecond float64) time.Duration {
	missing := float64(cost - tokens)
	ms := missing / tokensPerSecond * 1000
	d := time.Duration(ms) * time.Millisecond
	if float64(d/time.Millisecond) < ms {
		d += time.Millisecond
	}
	return d
}

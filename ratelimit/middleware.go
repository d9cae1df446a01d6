package ratelimit

import (
	"math"

	"github.com/adred-codev/wsrouter/wsrouter"
)

// MiddlewareOptions configure the rate limiting middleware.
type MiddlewareOptions struct {
	// Key derives the bucket key. Defaults to KeyPerUserPerType.
	Key KeyFunc

	// Cost is the token cost per message. Defaults to 1. Must be a
	// positive integer; fractional or non-positive costs reject every
	// message with INVALID_ARGUMENT before touching the limiter.
	Cost float64
}

func (o MiddlewareOptions) withDefaults() MiddlewareOptions {
	if o.Key == nil {
		o.Key = KeyPerUserPerType
	}
	if o.Cost == 0 {
		o.Cost = 1
	}
	return o
}

// Middleware gates messages through the limiter. A denial with retry
// guidance maps to RESOURCE_EXHAUSTED; a denial whose cost can never fit
// the bucket maps to FAILED_PRECONDITION. Limiter storage failures map to
// UNAVAILABLE so clients know to retry rather than treat it as a limit.
func Middleware(limiter Limiter, opts MiddlewareOptions) wsrouter.Middleware {
	opts = opts.withDefaults()
	policy := limiter.Policy()

	costValid := opts.Cost > 0 && opts.Cost == math.Trunc(opts.Cost)
	cost := int64(opts.Cost)

	return func(ctx *wsrouter.Context, next func() error) error {
		if !costValid {
			return wsrouter.Errorf(wsrouter.CodeInvalidArgument,
				"rate limit cost must be a positive integer, got %v", opts.Cost)
		}

		decision, err := limiter.Consume(ctx.Ctx(), opts.Key(ctx), cost)
		if err != nil {
			return wsrouter.E(wsrouter.CodeUnavailable, "rate limiter unavailable").WithCause(err)
		}
		if decision.Allowed {
			return next()
		}

		errCtx := map[string]any{
			"cost":  cost,
			"limit": policy.Capacity,
		}
		if decision.RetryAfter == nil {
			return wsrouter.E(wsrouter.CodeFailedPrecondition,
				"message cost exceeds rate limit capacity").WithContext(errCtx)
		}
		return wsrouter.E(wsrouter.CodeResourceExhausted, "rate limit exceeded").
			WithContext(errCtx).
			WithRetryAfter(*decision.RetryAfter)
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript evaluates one token bucket atomically on the Redis side.
// Time comes from the Redis TIME command so every instance observes the
// same clock. Refill credits whole tokens only; the logical timestamp
// advances by the time those tokens took to accrue, carrying the fraction
// forward. Returns {1, remaining} when allowed, {0, tokens, retry_ms} when
// denied, with retry_ms = -1 when the cost can never fit the bucket.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local t = redis.call('TIME')
local now_us = t[1] * 1000000 + t[2]

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  ts = now_us
end

local elapsed = now_us - ts
if elapsed > 0 then
  local credited = math.floor(elapsed * rate / 1000000)
  if credited > 0 then
    tokens = tokens + credited
    if tokens >= capacity then
      tokens = capacity
      ts = now_us
    else
      ts = ts + math.floor(credited * 1000000 / rate)
    end
  end
end

local ttl_ms = math.ceil(capacity / rate * 1000) * 2
if ttl_ms < 1000 then
  ttl_ms = 1000
end

local allowed = 0
local retry_ms = -1
if cost <= tokens then
  tokens = tokens - cost
  allowed = 1
elseif cost <= capacity then
  retry_ms = math.ceil((cost - tokens) * 1000 / rate)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, ttl_ms)

if allowed == 1 then
  return {1, tokens}
end
return {0, tokens, retry_ms}
`)

// RedisLimiter keeps token buckets in Redis so all instances draw from the
// same budget. The script is sent as EVALSHA and transparently reloaded
// after a Redis restart.
type RedisLimiter struct {
	client redis.UniversalClient
	policy Policy
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client redis.UniversalClient, policy Policy) (*RedisLimiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.Prefix == "" {
		policy.Prefix = "wsrouter:rl:"
	}
	return &RedisLimiter{client: client, policy: policy}, nil
}

// Policy returns the bucket shape the limiter enforces.
func (l *RedisLimiter) Policy() Policy { return l.policy }

// Consume attempts to take cost tokens from the shared bucket for key.
func (l *RedisLimiter) Consume(ctx context.Context, key string, cost int64) (Decision, error) {
	res, err := consumeScript.Run(ctx, l.client,
		[]string{l.policy.Prefix + key},
		l.policy.Capacity, l.policy.TokensPerSecond, cost,
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %T", res)
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)

	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed && len(vals) >= 3 {
		if retryMs, _ := vals[2].(int64); retryMs >= 0 {
			wait := time.Duration(retryMs) * time.Millisecond
			d.RetryAfter = &wait
		}
	}
	return d, nil
}

package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

// swappable in tests
var now = func() time.Time { return time.Now() }

type bucket struct {
	tokens int64
	// last is the logical refill position. It advances only by whole
	// tokens so the fractional remainder of an observation is never lost.
	last     time.Time
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryLimiter is the in-process token bucket store. Buckets are sharded
// by key hash and idle buckets are evicted in the background. An evicted
// bucket reappears full, which is the correct state for any bucket idle
// longer than capacity/rate.
type MemoryLimiter struct {
	policy Policy
	shards [memoryShards]*shard

	idleTTL time.Duration
	stop    chan struct{}
	once    sync.Once
}

// MemoryOptions tune the in-memory store.
type MemoryOptions struct {
	// IdleTTL is how long an untouched bucket survives before eviction.
	// Defaults to 10 minutes; it must exceed the bucket's full refill
	// time for eviction to be state-preserving.
	IdleTTL time.Duration

	// CleanupInterval is how often the eviction sweep runs. Defaults to
	// one minute.
	CleanupInterval time.Duration
}

// NewMemoryLimiter creates an in-memory limiter and starts its eviction
// loop. Call Close to stop it.
func NewMemoryLimiter(policy Policy, opts MemoryOptions) (*MemoryLimiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}

	l := &MemoryLimiter{
		policy:  policy,
		idleTTL: opts.IdleTTL,
		stop:    make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	go l.cleanupLoop(opts.CleanupInterval)
	return l, nil
}

// Close stops the eviction loop. Idempotent.
func (l *MemoryLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Policy returns the bucket shape the limiter enforces.
func (l *MemoryLimiter) Policy() Policy { return l.policy }

func (l *MemoryLimiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%memoryShards]
}

// Consume attempts to take cost tokens from the bucket for key.
func (l *MemoryLimiter) Consume(_ context.Context, key string, cost int64) (Decision, error) {
	s := l.shardFor(l.policy.Prefix + key)
	ts := now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[l.policy.Prefix+key]
	if !ok {
		b = &bucket{tokens: l.policy.Capacity, last: ts}
		s.buckets[l.policy.Prefix+key] = b
	}
	b.lastSeen = ts

	l.refill(b, ts)

	if cost <= b.tokens {
		b.tokens -= cost
		return Decision{Allowed: true, Remaining: b.tokens}, nil
	}

	d := Decision{Allowed: false, Remaining: b.tokens}
	if cost <= l.policy.Capacity {
		wait := retryAfter(cost, b.tokens, l.policy.TokensPerSecond)
		d.RetryAfter = &wait
	}
	return d, nil
}

// refill credits whole tokens for the elapsed interval and advances the
// logical clock by exactly the time those tokens took to accrue.
func (l *MemoryLimiter) refill(b *bucket, ts time.Time) {
	elapsed := ts.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	credited := int64(elapsed.Seconds() * l.policy.TokensPerSecond)
	if credited <= 0 {
		return
	}
	b.tokens += credited
	if b.tokens >= l.policy.Capacity {
		b.tokens = l.policy.Capacity
		b.last = ts
		return
	}
	b.last = b.last.Add(time.Duration(float64(credited) / l.policy.TokensPerSecond * float64(time.Second)))
}

func (l *MemoryLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := now().Add(-l.idleTTL)
			for _, s := range l.shards {
				s.mu.Lock()
				for key, b := range s.buckets {
					if b.lastSeen.Before(cutoff) {
						delete(s.buckets, key)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}

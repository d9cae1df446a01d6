package pubsub

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannelPrefix namespaces broker channels so unrelated traffic on a
// shared Redis never reaches the consumer.
const DefaultChannelPrefix = "wsrouter:"

// RedisOptions configure the Redis broadcast backend.
type RedisOptions struct {
	Client  redis.UniversalClient
	Prefix  string
	Encoder Encoder
	Logger  zerolog.Logger
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.Prefix == "" {
		o.Prefix = DefaultChannelPrefix
	}
	if o.Encoder == nil {
		o.Encoder = JSONEncoder{}
	}
	return o
}

// RedisDriver federates publishes across instances via Redis PUBLISH. The
// origin instance does not fan out directly; its own consumer receives the
// broker loopback and delivers locally, so every instance takes the same
// path. Broker failures are logged and do not fail the outer publish.
type RedisDriver struct {
	fanout
	client redis.UniversalClient
	prefix string
	enc    Encoder
}

// NewRedisDriver creates a Redis-backed driver.
func NewRedisDriver(opts RedisOptions) *RedisDriver {
	opts = opts.withDefaults()
	return &RedisDriver{
		fanout: newFanout(opts.Logger.With().Str("component", "pubsub_redis").Logger()),
		client: opts.Client,
		prefix: opts.Prefix,
		enc:    opts.Encoder,
	}
}

// Publish serializes the envelope and writes it to the prefixed channel.
// Remote subscriber counts are unknowable, so only MatchedLocal is
// reported.
func (d *RedisDriver) Publish(ctx context.Context, env Envelope) (PublishResult, error) {
	matchedLocal := d.index.Count(env.Topic)
	result := PublishResult{
		OK:           true,
		Capability:   CapabilityUnknown,
		MatchedLocal: matchedLocal,
	}

	data, err := d.enc.Encode(env)
	if err != nil {
		d.log.Error().Err(err).Str("topic", env.Topic).Msg("Envelope encoding failed")
		result.OK = false
		return result, nil
	}

	if err := d.client.Publish(ctx, d.prefix+env.Topic, data).Err(); err != nil {
		d.log.Error().Err(err).Str("topic", env.Topic).Msg("Redis PUBLISH failed")
		result.OK = false
	}
	return result, nil
}

// RedisConsumerMode selects how the consumer subscribes. Only pattern
// subscription is implemented; per-topic mode is declared for forward
// compatibility and currently falls back to pattern subscription.
type RedisConsumerMode string

const (
	RedisConsumePattern  RedisConsumerMode = "pattern"
	RedisConsumePerTopic RedisConsumerMode = "per-topic"
)

// RedisConsumerOptions configure the consumer side.
type RedisConsumerOptions struct {
	Client  redis.UniversalClient
	Prefix  string
	Encoder Encoder
	Mode    RedisConsumerMode
	Logger  zerolog.Logger
}

// RedisConsumer ingests broker envelopes via PSUBSCRIBE prefix*.
type RedisConsumer struct {
	client redis.UniversalClient
	prefix string
	enc    Encoder
	log    zerolog.Logger
}

// NewRedisConsumer creates the consumer half of the Redis backend.
func NewRedisConsumer(opts RedisConsumerOptions) *RedisConsumer {
	if opts.Prefix == "" {
		opts.Prefix = DefaultChannelPrefix
	}
	if opts.Encoder == nil {
		opts.Encoder = JSONEncoder{}
	}
	log := opts.Logger.With().Str("component", "pubsub_redis_consumer").Logger()
	if opts.Mode == RedisConsumePerTopic {
		log.Warn().Msg("Per-topic consume mode not implemented; using pattern subscription")
	}
	return &RedisConsumer{
		client: opts.Client,
		prefix: opts.Prefix,
		enc:    opts.Encoder,
		log:    log,
	}
}

// Start subscribes to prefix* and pumps decoded envelopes into onMessage
// until stopped. A message that fails to decode is logged and dropped. The
// receive loop resubscribes with exponential backoff if the subscription
// channel dies.
func (c *RedisConsumer) Start(ctx context.Context, onMessage MessageFunc) (StopFunc, error) {
	runCtx, cancel := context.WithCancel(ctx)

	sub := c.client.PSubscribe(runCtx, c.prefix+"*")
	// Force the subscription to be established so Start fails fast on a
	// dead broker.
	if _, err := sub.Receive(runCtx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, err
	}

	go c.pump(runCtx, sub, onMessage)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			if err := sub.Close(); err != nil {
				c.log.Warn().Err(err).Msg("Error closing Redis subscription")
			}
		})
	}
	return stop, nil
}

func (c *RedisConsumer) pump(ctx context.Context, sub *redis.PubSub, onMessage MessageFunc) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				sub = c.resubscribe(ctx)
				if sub == nil {
					return
				}
				ch = sub.Channel()
				continue
			}
			env, err := c.enc.Decode([]byte(msg.Payload))
			if err != nil {
				c.log.Warn().
					Err(err).
					Str("channel", msg.Channel).
					Msg("Dropping undecodable broker frame")
				continue
			}
			onMessage(env)
		}
	}
}

// resubscribe re-establishes the pattern subscription with exponential
// backoff. Returns nil when the context is cancelled first.
func (c *RedisConsumer) resubscribe(ctx context.Context) *redis.PubSub {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	var sub *redis.PubSub
	err := backoff.Retry(func() error {
		s := c.client.PSubscribe(ctx, c.prefix+"*")
		if _, err := s.Receive(ctx); err != nil {
			_ = s.Close()
			return err
		}
		sub = s
		return nil
	}, bo)
	if err != nil {
		c.log.Error().Err(err).Msg("Giving up on Redis resubscribe")
		return nil
	}
	c.log.Info().Msg("Redis subscription re-established")
	return sub
}

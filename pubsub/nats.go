package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix namespaces broker subjects on a shared NATS server.
const DefaultSubjectPrefix = "wsrouter"

// NATSConnConfig holds the connection tuning shared by the driver and the
// consumer. Zero values fall back to sensible reconnect behavior.
type NATSConnConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
}

func (c NATSConnConfig) withDefaults() NATSConnConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 500 * time.Millisecond
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxPingsOut == 0 {
		c.MaxPingsOut = 3
	}
	return c
}

// ConnectNATS dials NATS with reconnect handling and lifecycle logging.
func ConnectNATS(cfg NATSConnConfig, log zerolog.Logger) (*nats.Conn, error) {
	cfg = cfg.withDefaults()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// NATSOptions configure the NATS broadcast backend.
type NATSOptions struct {
	Conn    *nats.Conn
	Prefix  string
	Encoder Encoder
	Logger  zerolog.Logger
}

// NATSDriver federates publishes as NATS messages on prefix.<topic>. Like
// the Redis backend, local delivery happens through the consumer loopback
// and broker failures are logged rather than failing the publish.
type NATSDriver struct {
	fanout
	conn   *nats.Conn
	prefix string
	enc    Encoder
}

// NewNATSDriver creates a NATS-backed driver.
func NewNATSDriver(opts NATSOptions) *NATSDriver {
	if opts.Prefix == "" {
		opts.Prefix = DefaultSubjectPrefix
	}
	if opts.Encoder == nil {
		opts.Encoder = JSONEncoder{}
	}
	return &NATSDriver{
		fanout: newFanout(opts.Logger.With().Str("component", "pubsub_nats").Logger()),
		conn:   opts.Conn,
		prefix: opts.Prefix,
		enc:    opts.Encoder,
	}
}

// subjectFor maps a topic onto a single NATS subject token. Characters with
// structural meaning in subjects are folded to underscores; the authoritative
// topic travels inside the envelope, so the mapping does not need to be
// reversible.
func subjectFor(prefix, topic string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, topic)
	return prefix + "." + sanitized
}

// Publish serializes the envelope onto the topic's subject.
func (d *NATSDriver) Publish(_ context.Context, env Envelope) (PublishResult, error) {
	result := PublishResult{
		OK:           true,
		Capability:   CapabilityUnknown,
		MatchedLocal: d.index.Count(env.Topic),
	}

	data, err := d.enc.Encode(env)
	if err != nil {
		d.log.Error().Err(err).Str("topic", env.Topic).Msg("Envelope encoding failed")
		result.OK = false
		return result, nil
	}

	if err := d.conn.Publish(subjectFor(d.prefix, env.Topic), data); err != nil {
		d.log.Error().Err(err).Str("topic", env.Topic).Msg("NATS publish failed")
		result.OK = false
	}
	return result, nil
}

// NATSConsumerOptions configure the consumer side.
type NATSConsumerOptions struct {
	Conn    *nats.Conn
	Prefix  string
	Encoder Encoder
	Logger  zerolog.Logger
}

// NATSConsumer ingests broker envelopes via a prefix.> wildcard
// subscription. The nats client handles reconnects and resubscribes on its
// own, so no external retry loop is needed.
type NATSConsumer struct {
	conn   *nats.Conn
	prefix string
	enc    Encoder
	log    zerolog.Logger
}

// NewNATSConsumer creates the consumer half of the NATS backend.
func NewNATSConsumer(opts NATSConsumerOptions) *NATSConsumer {
	if opts.Prefix == "" {
		opts.Prefix = DefaultSubjectPrefix
	}
	if opts.Encoder == nil {
		opts.Encoder = JSONEncoder{}
	}
	return &NATSConsumer{
		conn:   opts.Conn,
		prefix: opts.Prefix,
		enc:    opts.Encoder,
		log:    opts.Logger.With().Str("component", "pubsub_nats_consumer").Logger(),
	}
}

// Start subscribes to prefix.> and pumps decoded envelopes into onMessage.
// Undecodable frames are logged and dropped.
func (c *NATSConsumer) Start(_ context.Context, onMessage MessageFunc) (StopFunc, error) {
	sub, err := c.conn.Subscribe(c.prefix+".>", func(msg *nats.Msg) {
		env, err := c.enc.Decode(msg.Data)
		if err != nil {
			c.log.Warn().
				Err(err).
				Str("subject", msg.Subject).
				Msg("Dropping undecodable broker frame")
			return
		}
		onMessage(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s.>: %w", c.prefix, err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				c.log.Warn().Err(err).Msg("Error unsubscribing from NATS")
			}
		})
	}
	return stop, nil
}

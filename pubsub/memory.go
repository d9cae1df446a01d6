package pubsub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// fanout is the shared local side of every driver: the subscription index
// plus the bound delivery function.
type fanout struct {
	index *SubscriptionIndex
	log   zerolog.Logger

	mu      sync.RWMutex
	deliver DeliverFunc
}

func newFanout(log zerolog.Logger) fanout {
	return fanout{index: NewSubscriptionIndex(), log: log}
}

func (f *fanout) Bind(deliver DeliverFunc) {
	f.mu.Lock()
	f.deliver = deliver
	f.mu.Unlock()
}

func (f *fanout) Subscribe(clientID, topic string) error {
	f.index.Add(topic, clientID)
	return nil
}

func (f *fanout) Unsubscribe(clientID, topic string) error {
	f.index.Remove(topic, clientID)
	return nil
}

func (f *fanout) LocalSubscribers(topic string) []string {
	return f.index.Get(topic)
}

func (f *fanout) Topics() []string { return f.index.Topics() }

func (f *fanout) HasTopic(topic string) bool { return f.index.Has(topic) }

// DeliverLocal fans an envelope out to every matched local connection.
func (f *fanout) DeliverLocal(env Envelope) {
	subscribers := f.index.Get(env.Topic)
	if len(subscribers) == 0 {
		return
	}
	f.mu.RLock()
	deliver := f.deliver
	f.mu.RUnlock()
	if deliver == nil {
		f.log.Warn().
			Str("topic", env.Topic).
			Msg("Dropping envelope: no delivery function bound")
		return
	}
	deliver(env, subscribers)
}

// MemoryOptions configure the in-memory driver.
type MemoryOptions struct {
	Logger zerolog.Logger
}

// MemoryDriver is the single-instance backend: publishes fan out directly
// to the local index with an exact match count. No broker involved.
type MemoryDriver struct {
	fanout
}

// NewMemoryDriver creates an in-memory driver.
func NewMemoryDriver(opts MemoryOptions) *MemoryDriver {
	return &MemoryDriver{
		fanout: newFanout(opts.Logger.With().Str("component", "pubsub_memory").Logger()),
	}
}

// Publish delivers the envelope locally and reports an exact match count.
func (d *MemoryDriver) Publish(_ context.Context, env Envelope) (PublishResult, error) {
	matched := d.index.Count(env.Topic)
	d.DeliverLocal(env)
	return PublishResult{
		OK:           true,
		Capability:   CapabilityExact,
		Matched:      matched,
		MatchedLocal: matched,
	}, nil
}

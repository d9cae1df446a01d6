package pubsub

import "context"

// Capability describes how accurate a driver's match count is.
type Capability string

const (
	// CapabilityExact means Matched is an exact subscriber count
	// (in-memory backend).
	CapabilityExact Capability = "exact"
	// CapabilityEstimate means Matched is a best-effort estimate.
	CapabilityEstimate Capability = "estimate"
	// CapabilityUnknown means only MatchedLocal is known (federated
	// backends cannot see remote subscribers).
	CapabilityUnknown Capability = "unknown"
)

// PublishResult reports the outcome of one publish.
type PublishResult struct {
	OK           bool
	Capability   Capability
	Matched      int
	MatchedLocal int
}

// DeliverFunc fans one envelope out to the named local connections. The
// router binds its socket delivery here.
type DeliverFunc func(env Envelope, clientIDs []string)

// Driver is the local side of the pub/sub subsystem. All backends maintain
// the same local subscription index; federated ones additionally forward
// envelopes through a broker and ingest remote envelopes via a Consumer.
type Driver interface {
	// Bind installs the local delivery function. Must be called before
	// the first publish; the router does this on construction.
	Bind(deliver DeliverFunc)

	// Publish writes one envelope.
	Publish(ctx context.Context, env Envelope) (PublishResult, error)

	// Subscribe and Unsubscribe maintain the local subscription index.
	// Safe for concurrent use.
	Subscribe(clientID, topic string) error
	Unsubscribe(clientID, topic string) error

	// LocalSubscribers returns the clientIds subscribed to the topic on
	// this instance.
	LocalSubscribers(topic string) []string

	// Topics lists topics with at least one local subscriber.
	Topics() []string

	// HasTopic reports whether the topic has local subscribers.
	HasTopic(topic string) bool

	// DeliverLocal fans an envelope out to matched local connections.
	// Broker consumers call this for remote envelopes.
	DeliverLocal(env Envelope)
}

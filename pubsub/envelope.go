// Package pubsub provides the publish fan-out layer: a local subscription
// index shared by every backend, plus broker-federated drivers (Redis, NATS)
// and their consumers for multi-instance deployments.
package pubsub

import (
	"encoding/json"
	"fmt"
)

// Envelope is the broker wire form of one publish.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Meta    map[string]any  `json:"meta,omitempty"`
}

// Encoder serializes envelopes for a broker. JSONEncoder is the default.
type Encoder interface {
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// JSONEncoder is the default envelope codec.
type JSONEncoder struct{}

func (JSONEncoder) Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode publish envelope: %w", err)
	}
	return data, nil
}

func (JSONEncoder) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode publish envelope: %w", err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("decode publish envelope: missing topic")
	}
	return env, nil
}

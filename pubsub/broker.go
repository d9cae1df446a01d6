package pubsub

import (
	"context"
	"fmt"
	"sync"
)

// MessageFunc receives one decoded envelope from a broker.
type MessageFunc func(env Envelope)

// StopFunc tears a consumer subscription down. Idempotent.
type StopFunc func()

// Consumer is the ingest side of a federated backend: it subscribes to the
// external broker, decodes each frame into an Envelope and hands it to
// onMessage. A frame that fails to decode is logged and dropped; it does
// not kill the subscription.
type Consumer interface {
	Start(ctx context.Context, onMessage MessageFunc) (StopFunc, error)
}

// CombineConsumers wraps several consumers into one. Start brings them up
// sequentially; if consumer k fails, consumers 1..k-1 are stopped in
// reverse order and the error is returned. The combined stop invokes every
// child stop exactly once, even when called concurrently.
func CombineConsumers(consumers ...Consumer) Consumer {
	return &combined{consumers: consumers}
}

type combined struct {
	consumers []Consumer
}

func (c *combined) Start(ctx context.Context, onMessage MessageFunc) (StopFunc, error) {
	stops := make([]StopFunc, 0, len(c.consumers))

	for i, consumer := range c.consumers {
		stop, err := consumer.Start(ctx, onMessage)
		if err != nil {
			for j := len(stops) - 1; j >= 0; j-- {
				stops[j]()
			}
			return nil, fmt.Errorf("start consumer %d: %w", i, err)
		}
		stops = append(stops, stop)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, stop := range stops {
				stop()
			}
		})
	}, nil
}

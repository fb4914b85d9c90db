package bus

import (
	"context"

	"github.com/asaskevich/EventBus"
)

// Handler receives a published payload on the local bus.
type Handler func(topic string, payload []byte)

// Local is an in-process bus for single-binary runs and tests.
type Local struct {
	bus EventBus.Bus
}

// NewLocal builds an empty in-process bus.
func NewLocal() *Local { return &Local{bus: EventBus.New()} }

// Publish delivers payload synchronously to every subscriber of topic.
func (l *Local) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.bus.Publish(topic, topic, payload)
	return nil
}

// Subscribe registers fn for topic for the lifetime of the bus.
func (l *Local) Subscribe(topic string, fn Handler) error {
	return l.bus.Subscribe(topic, fn)
}

// Close is a no-op; the local bus holds no resources.
func (l *Local) Close() error { return nil }

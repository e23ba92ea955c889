package eventbus

import (
	"context"

	"github.com/felixgeelhaar/taskfabric/internal/events"
)

// EventConsumer handles specific event types.
type EventConsumer interface {
	// EventTypes returns the event types this consumer handles,
	// e.g. ["task.created", "task.updated"].
	EventTypes() []string

	// Handle processes the event. A returned error is treated as
	// transient and triggers redelivery unless it wraps
	// events.ErrMalformed.
	Handle(ctx context.Context, env *events.Envelope) error
}

// Consumer defines the interface for consuming events from a message broker.
type Consumer interface {
	// Start begins consuming messages. This is a blocking call.
	Start(ctx context.Context) error

	// RegisterConsumer registers an event consumer.
	RegisterConsumer(consumer EventConsumer)

	// Close closes the consumer connection.
	Close() error
}

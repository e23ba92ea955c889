package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// ConsumerRegistry manages event consumers and dispatches envelopes to them.
type ConsumerRegistry struct {
	consumers map[string][]EventConsumer
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewConsumerRegistry creates a new consumer registry.
func NewConsumerRegistry(logger *slog.Logger) *ConsumerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumerRegistry{
		consumers: make(map[string][]EventConsumer),
		logger:    logger,
	}
}

// Register adds a consumer for its declared event types.
func (r *ConsumerRegistry) Register(consumer EventConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, eventType := range consumer.EventTypes() {
		r.consumers[eventType] = append(r.consumers[eventType], consumer)
		r.logger.Debug("registered consumer for event type",
			"event_type", eventType,
		)
	}
}

// GetConsumers returns all consumers registered for the given event type.
func (r *ConsumerRegistry) GetConsumers(eventType string) []EventConsumer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.consumers[eventType]
}

// GetAllEventTypes returns all event types that have consumers registered.
func (r *ConsumerRegistry) GetAllEventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.consumers))
	for t := range r.consumers {
		types = append(types, t)
	}
	return types
}

// Dispatch sends an envelope to all registered consumers for its event
// type. The envelope's correlation and event IDs are attached to the
// context so consumer logs stay traceable.
func (r *ConsumerRegistry) Dispatch(ctx context.Context, env *events.Envelope) error {
	consumers := r.GetConsumers(string(env.EventType))

	if len(consumers) == 0 {
		r.logger.Debug("no consumers for event type",
			"event_type", string(env.EventType),
		)
		return nil
	}

	ctx = observability.NewConsumeContext(ctx, env.CorrelationID, env.EventID)

	var lastErr error
	for _, consumer := range consumers {
		if err := consumer.Handle(ctx, env); err != nil {
			r.logger.Error("consumer failed to handle event",
				"event_type", string(env.EventType),
				"event_id", env.EventID,
				"error", err,
			)
			lastErr = err
			// Continue processing other consumers even if one fails
		}
	}

	return lastErr
}

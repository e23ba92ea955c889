package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/taskfabric/internal/events"
)

// InProcessEventBus is an in-memory event bus for development mode and
// tests (no broker). Envelopes are delivered synchronously to
// registered consumers.
type InProcessEventBus struct {
	registry *ConsumerRegistry
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewInProcessEventBus creates a new in-process event bus.
func NewInProcessEventBus(logger *slog.Logger) *InProcessEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessEventBus{
		registry: NewConsumerRegistry(logger),
		logger:   logger,
	}
}

// RegisterConsumer registers an event consumer.
func (b *InProcessEventBus) RegisterConsumer(consumer EventConsumer) {
	b.registry.Register(consumer)
}

// Publish parses the payload and synchronously dispatches it to all
// registered consumers. Implements the Publisher interface so it can
// stand in for a broker driver.
func (b *InProcessEventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	env := &events.Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		b.logger.Error("failed to unmarshal event payload",
			"topic", topic,
			"error", err,
		)
		return nil // Don't fail, just log and skip
	}

	// Derive the event type from the topic when absent from the payload
	if env.EventType == "" {
		if et, ok := events.TypeForTopic(topic); ok {
			env.EventType = et
		}
	}

	start := time.Now()
	err := b.registry.Dispatch(ctx, env)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("event dispatch failed",
			"topic", topic,
			"event_id", env.EventID,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		// In development mode, we log but don't fail the publish
		return nil
	}

	b.logger.Debug("event dispatched",
		"topic", topic,
		"event_id", env.EventID,
		"duration_ms", duration.Milliseconds(),
	)

	return nil
}

// PublishEnvelope dispatches an envelope directly, skipping the wire encoding.
func (b *InProcessEventBus) PublishEnvelope(ctx context.Context, env *events.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.registry.Dispatch(ctx, env)
}

// Close is a no-op for in-process bus.
func (b *InProcessEventBus) Close() error {
	return nil
}

// GetRegistry returns the underlying consumer registry.
func (b *InProcessEventBus) GetRegistry() *ConsumerRegistry {
	return b.registry
}

// Start blocks until the context is cancelled. Events are dispatched
// synchronously on Publish, so there is no consume loop.
func (b *InProcessEventBus) Start(ctx context.Context) error {
	b.logger.Info("in-process event bus started (synchronous mode)")
	<-ctx.Done()
	return ctx.Err()
}

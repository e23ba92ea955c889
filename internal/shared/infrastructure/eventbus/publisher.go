// Package eventbus carries task event envelopes over the configured
// broker: the Dapr sidecar, RabbitMQ directly, or an in-process bus
// for development and tests.
package eventbus

import (
	"context"
	"log/slog"
)

// Publisher defines the interface for publishing events to a message broker.
type Publisher interface {
	// Publish sends a payload to the given topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Close closes the publisher connection.
	Close() error
}

// NoopPublisher logs publishes without delivering them. It stands in
// for a broker in development mode.
type NoopPublisher struct {
	logger *slog.Logger
}

// NewNoopPublisher creates a publisher that does nothing.
func NewNoopPublisher(logger *slog.Logger) *NoopPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopPublisher{logger: logger}
}

// Publish logs the message but doesn't actually publish.
func (p *NoopPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.logger.Debug("noop publish",
		"topic", topic,
		"size", len(payload),
	)
	return nil
}

// Close is a no-op.
func (p *NoopPublisher) Close() error {
	return nil
}

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// RabbitMQConsumer consumes task events from RabbitMQ and dispatches
// them through a ConsumerRegistry. Malformed messages are acked and
// dropped; handler errors nack with requeue.
type RabbitMQConsumer struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     string
	exchange  string
	registry  *ConsumerRegistry
	logger    *slog.Logger
	metrics   observability.Metrics
	mu        sync.Mutex
	running   bool
	closeChan chan struct{}
}

// RabbitMQConsumerConfig configures the RabbitMQ consumer.
type RabbitMQConsumerConfig struct {
	URL string
	// QueueName names the durable queue for this service, e.g.
	// "taskfabric.reminder". Each service gets its own queue so all
	// services see every event.
	QueueName string
	Exchange  string
	Logger    *slog.Logger
	Metrics   observability.Metrics
}

// NewRabbitMQConsumer creates a new RabbitMQ consumer.
func NewRabbitMQConsumer(cfg RabbitMQConsumerConfig, registry *ConsumerRegistry) (*RabbitMQConsumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = ExchangeName
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare the exchange (should already exist from publisher)
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare the queue
	_, err = ch.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	cfg.Logger.Info("RabbitMQ consumer connected",
		"queue", cfg.QueueName,
		"exchange", cfg.Exchange,
	)

	return &RabbitMQConsumer{
		conn:      conn,
		channel:   ch,
		queue:     cfg.QueueName,
		exchange:  cfg.Exchange,
		registry:  registry,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		closeChan: make(chan struct{}),
	}, nil
}

// RegisterConsumer registers an event consumer and binds the topics of
// its event types to the queue.
func (c *RabbitMQConsumer) RegisterConsumer(consumer EventConsumer) {
	c.registry.Register(consumer)

	for _, eventType := range consumer.EventTypes() {
		topic, ok := events.EventType(eventType).Topic()
		if !ok {
			c.logger.Error("no topic for event type",
				"event_type", eventType,
			)
			continue
		}
		if err := c.bindQueue(topic); err != nil {
			c.logger.Error("failed to bind queue for topic",
				"topic", topic,
				"error", err,
			)
		}
	}
}

func (c *RabbitMQConsumer) bindQueue(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.channel.QueueBind(
		c.queue,
		topic,
		c.exchange,
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	c.logger.Debug("bound queue to topic",
		"queue", c.queue,
		"topic", topic,
	)

	return nil
}

// Start begins consuming messages from the queue.
func (c *RabbitMQConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer already running")
	}
	c.running = true
	c.mu.Unlock()

	// Set prefetch count to process one message at a time
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (we'll manually ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("started consuming events",
		"queue", c.queue,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, stopping")
			return ctx.Err()

		case <-c.closeChan:
			c.logger.Info("consumer close requested, stopping")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("message channel closed")
				return fmt.Errorf("message channel closed unexpectedly")
			}

			if err := c.processMessage(ctx, msg); err != nil {
				c.logger.Error("failed to process message",
					"topic", msg.RoutingKey,
					"error", err,
				)
				// Nack and requeue for retry
				if nackErr := msg.Nack(false, true); nackErr != nil {
					c.logger.Error("failed to nack message", "error", nackErr)
				}
			} else {
				// Ack successful processing
				if ackErr := msg.Ack(false); ackErr != nil {
					c.logger.Error("failed to ack message", "error", ackErr)
				}
			}
		}
	}
}

// processMessage returns nil when the delivery should be acked, which
// includes malformed and permanently failed events.
func (c *RabbitMQConsumer) processMessage(ctx context.Context, msg amqp.Delivery) error {
	env := &events.Envelope{}
	if err := json.Unmarshal(msg.Body, env); err != nil {
		c.logger.Warn("dropping undecodable event",
			"topic", msg.RoutingKey,
			"error", err,
		)
		c.metrics.Counter(observability.MetricEventsMalformed, 1, observability.T("topic", msg.RoutingKey))
		return nil // ack and discard the bad message
	}

	// Fall back to the AMQP routing key when the payload carries no type
	if env.EventType == "" {
		if et, ok := events.TypeForTopic(msg.RoutingKey); ok {
			env.EventType = et
		}
	}

	if err := env.Validate(); err != nil {
		c.logger.Warn("dropping malformed event",
			"topic", msg.RoutingKey,
			"error", err,
		)
		c.metrics.Counter(observability.MetricEventsMalformed, 1, observability.T("topic", msg.RoutingKey))
		return nil
	}

	start := time.Now()
	err := c.registry.Dispatch(ctx, env)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, events.ErrMalformed) {
			c.logger.Warn("dropping event after permanent failure",
				"event_type", string(env.EventType),
				"event_id", env.EventID,
				"error", err,
			)
			c.metrics.Counter(observability.MetricEventsFailed, 1, observability.T("event_type", string(env.EventType)))
			return nil
		}

		c.logger.Error("event dispatch failed",
			"event_type", string(env.EventType),
			"event_id", env.EventID,
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		return err
	}

	c.metrics.Counter(observability.MetricEventsConsumed, 1, observability.T("event_type", string(env.EventType)))
	c.logger.Debug("event processed successfully",
		"event_type", string(env.EventType),
		"event_id", env.EventID,
		"duration_ms", duration.Milliseconds(),
	)

	return nil
}

// Ping reports whether the broker connection is still open. It is used
// by readiness checks.
func (c *RabbitMQConsumer) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// Close closes the consumer connection.
func (c *RabbitMQConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	close(c.closeChan)
	c.running = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("error closing channel", "error", err)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
	}

	c.logger.Info("RabbitMQ consumer closed")
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// PublishTimeout bounds a single publish call against the broker.
const PublishTimeout = 5 * time.Second

// Bus is the transport half of the publisher, implemented by the
// eventbus drivers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Publisher stamps envelopes with identity and timing fields and
// publishes them on the topic derived from the event type. It is the
// only producer-side path onto the bus.
type Publisher struct {
	bus     Bus
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time
}

// NewPublisher creates a publisher on top of the given transport.
func NewPublisher(bus Bus, logger *slog.Logger, metrics observability.Metrics) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Publisher{
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Publish stamps and sends one event. The extra map is merged into the
// envelope's top-level keys. The returned envelope is the exact frame
// that went on the wire.
func (p *Publisher) Publish(ctx context.Context, eventType EventType, taskID, userID string, extra map[string]any) (*Envelope, error) {
	topic, ok := eventType.Topic()
	if !ok {
		return nil, fmt.Errorf("events: unknown event type %q", eventType)
	}

	env := &Envelope{
		EventType:     eventType,
		EventID:       uuid.New().String(),
		Timestamp:     p.now().UTC(),
		TaskID:        taskID,
		UserID:        userID,
		CorrelationID: observability.CorrelationIDFromContext(ctx),
	}
	for key, value := range extra {
		if err := env.SetExtra(key, value); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("events: encode envelope: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	if err := p.bus.Publish(publishCtx, topic, body); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish event",
			"event_type", string(eventType),
			"event_id", env.EventID,
			"topic", topic,
			"error", err,
		)
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}

	p.metrics.Counter(observability.MetricEventsPublished, 1, observability.T("topic", topic))
	p.logger.DebugContext(ctx, "event published",
		"event_type", string(eventType),
		"event_id", env.EventID,
		"topic", topic,
	)
	return env, nil
}

// TaskCreatedEvent publishes a task.created event with the full task snapshot.
func (p *Publisher) TaskCreatedEvent(ctx context.Context, taskID, userID string, task TaskSnapshot) (*Envelope, error) {
	return p.Publish(ctx, TaskCreated, taskID, userID, map[string]any{"task": task})
}

// TaskUpdatedEvent publishes a task.updated event carrying the changed
// fields and, when available, the updated snapshot.
func (p *Publisher) TaskUpdatedEvent(ctx context.Context, taskID, userID string, changes map[string]FieldChange, task *TaskSnapshot) (*Envelope, error) {
	extra := map[string]any{"changes": changes}
	if task != nil {
		extra["task"] = task
	}
	return p.Publish(ctx, TaskUpdated, taskID, userID, extra)
}

// TaskCompletedEvent publishes a task.completed event stamped with the
// completion time.
func (p *Publisher) TaskCompletedEvent(ctx context.Context, taskID, userID string, completedAt time.Time, task *TaskSnapshot) (*Envelope, error) {
	if completedAt.IsZero() {
		completedAt = p.now()
	}
	extra := map[string]any{
		"completed_at": completedAt.UTC().Format(TimeLayout),
	}
	if task != nil {
		extra["task"] = task
	}
	return p.Publish(ctx, TaskCompleted, taskID, userID, extra)
}

// TaskDeletedEvent publishes a task.deleted event. No payload beyond
// the envelope: the task is gone.
func (p *Publisher) TaskDeletedEvent(ctx context.Context, taskID, userID string) (*Envelope, error) {
	return p.Publish(ctx, TaskDeleted, taskID, userID, nil)
}

// ReminderTriggeredEvent publishes a reminder.triggered event with the
// reminder kind and the snapshot the reminder was scheduled from.
func (p *Publisher) ReminderTriggeredEvent(ctx context.Context, taskID, userID, kind string, task TaskSnapshot) (*Envelope, error) {
	return p.Publish(ctx, ReminderTriggered, taskID, userID, map[string]any{
		"reminder_kind": kind,
		"task":          task,
	})
}

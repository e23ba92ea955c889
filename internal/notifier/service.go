package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/dedup"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// Service consumes every event on the bus and fans the rendered
// notification out to the owning user's streams.
type Service struct {
	registry *Registry
	guard    dedup.Guard
	logger   *slog.Logger
	metrics  observability.Metrics
	now      func() time.Time
}

func NewService(registry *Registry, guard dedup.Guard, logger *slog.Logger, metrics observability.Metrics) *Service {
	if guard == nil {
		guard = dedup.NopGuard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Service{
		registry: registry,
		guard:    guard,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// EventTypes subscribes the notifier to every event on the bus.
func (s *Service) EventTypes() []string {
	types := events.Types()
	out := make([]string, len(types))
	for n, t := range types {
		out[n] = string(t)
	}
	return out
}

// Handle renders the event into a notification frame and delivers it
// to the user's streams. A redelivered event is delivered once.
func (s *Service) Handle(ctx context.Context, env *events.Envelope) error {
	seen, err := s.guard.Seen(ctx, env.EventID)
	if err != nil {
		s.logger.WarnContext(ctx, "dedup guard unavailable, processing anyway", "error", err)
	}
	if seen {
		s.metrics.Counter(observability.MetricEventsDeduplicated, 1, observability.T("service", "notifier"))
		s.logger.DebugContext(ctx, "duplicate event ignored", "event_id", env.EventID)
		return nil
	}

	if env.UserID == "" {
		s.logger.WarnContext(ctx, "event without user_id, nobody to notify",
			"event_type", string(env.EventType),
			"task_id", env.TaskID,
		)
		return nil
	}

	frame, err := buildFrame(env, s.now())
	if err != nil {
		return err
	}

	delivered := s.registry.Deliver(env.UserID, frame)
	s.logger.DebugContext(ctx, "notification dispatched",
		"event_type", string(env.EventType),
		"user_id", env.UserID,
		"connections", delivered,
	)
	return nil
}

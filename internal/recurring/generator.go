package recurring

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/internal/recurrence"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// InstanceCreator creates one occurrence of a template. Implemented by
// Client; mocked in tests.
type InstanceCreator interface {
	CreateInstance(ctx context.Context, tpl Template, occurrence time.Time) error
}

// Config holds the generator's loop settings.
type Config struct {
	// Interval is how often templates are scanned for due occurrences.
	Interval time.Duration
}

// DefaultConfig returns the production interval: scan every 5 minutes.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute}
}

// Generator materializes today's occurrence of every active template.
// The periodic tick is the authoritative trigger; task.created and
// task.updated events only nudge the next scan forward. Runs never
// overlap: a tick that lands while a scan is in flight is coalesced.
type Generator struct {
	store   TemplateStore
	creator InstanceCreator
	config  Config
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time

	runMu sync.Mutex
	kick  chan struct{}

	wg       sync.WaitGroup
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewGenerator creates a generator. A zero interval falls back to
// DefaultConfig; nil logger and metrics fall back to no-ops.
func NewGenerator(store TemplateStore, creator InstanceCreator, config Config, logger *slog.Logger, metrics observability.Metrics) *Generator {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Generator{
		store:    store,
		creator:  creator,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// EventTypes lists the events the generator listens to as scan hints.
func (g *Generator) EventTypes() []string {
	return []string{
		string(events.TaskCreated),
		string(events.TaskUpdated),
	}
}

// Handle nudges the scan loop when the event touches a recurrence
// pattern. The hint is best effort: a full kick channel means a scan is
// already coming.
func (g *Generator) Handle(ctx context.Context, env *events.Envelope) error {
	if !templateHint(env) {
		return nil
	}

	select {
	case g.kick <- struct{}{}:
		g.logger.DebugContext(ctx, "recurring scan nudged",
			"event_type", string(env.EventType),
			"task_id", env.TaskID,
		)
	default:
	}
	return nil
}

// templateHint reports whether the event plausibly created or changed a
// recurring template.
func templateHint(env *events.Envelope) bool {
	if task, err := env.Task(); err == nil && task != nil && task.RecurrencePattern != "" {
		return true
	}
	if changes, err := env.Changes(); err == nil {
		if _, ok := changes["recurrence_pattern"]; ok {
			return true
		}
		if _, ok := changes["recurrence_end_date"]; ok {
			return true
		}
	}
	return false
}

// Start launches the scan loop.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = true
	g.stopChan = make(chan struct{})
	g.mu.Unlock()

	g.wg.Add(1)
	go g.scanLoop(ctx)

	g.logger.Info("recurring generator started", "interval", g.config.Interval)
	return nil
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopChan)
	g.mu.Unlock()

	g.wg.Wait()
	g.logger.Info("recurring generator stopped")
}

// IsRunning reports whether the scan loop is active.
func (g *Generator) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Generator) scanLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopChan:
			return
		case <-ticker.C:
			g.RunOnce(ctx)
		case <-g.kick:
			g.RunOnce(ctx)
		}
	}
}

// RunOnce scans every active template and creates the instances due
// today. It returns how many instances were created. Per-template
// failures are logged and skipped; the scan always visits every
// template. A concurrent call returns immediately with 0.
func (g *Generator) RunOnce(ctx context.Context) int {
	if !g.runMu.TryLock() {
		g.logger.Debug("recurring scan already in flight, coalescing")
		return 0
	}
	defer g.runMu.Unlock()

	timer := observability.StartTimer("recurring.scan").WithMetrics(g.metrics)
	defer timer.Stop()

	now := g.now()
	templates, err := g.store.ListTemplates(ctx, now)
	if err != nil {
		g.logger.ErrorContext(ctx, "failed to list recurring templates", "error", err)
		return 0
	}

	g.metrics.Counter(observability.MetricGeneratorRuns, 1)

	created := 0
	for _, tpl := range templates {
		n, err := g.processTemplate(ctx, tpl, now)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				g.logger.WarnContext(ctx, "task api circuit open, skipping template",
					"template_id", tpl.ID,
				)
			} else {
				g.logger.ErrorContext(ctx, "failed to process recurring template",
					"template_id", tpl.ID,
					"error", err,
				)
			}
			continue
		}
		created += n
	}

	if created > 0 {
		g.logger.InfoContext(ctx, "recurring scan completed",
			"templates", len(templates),
			"instances_created", created,
		)
	} else {
		g.logger.DebugContext(ctx, "recurring scan completed",
			"templates", len(templates),
		)
	}
	return created
}

// processTemplate creates today's instance of the template when the
// pattern matches today and no instance exists yet.
func (g *Generator) processTemplate(ctx context.Context, tpl Template, now time.Time) (int, error) {
	pattern, err := recurrence.Parse(tpl.RecurrencePattern)
	if err != nil {
		// A stored pattern the parser rejects cannot ever materialize;
		// skip it without failing the scan.
		g.logger.WarnContext(ctx, "template has invalid recurrence pattern",
			"template_id", tpl.ID,
			"pattern", tpl.RecurrencePattern,
		)
		return 0, nil
	}

	today := now.UTC()
	if !pattern.Matches(today, tpl.CreatedAt) {
		return 0, nil
	}

	date := today.Format(dateLayout)
	existing, err := g.store.ExistingOccurrences(ctx, tpl.ID, []string{date})
	if err != nil {
		return 0, err
	}
	if existing[date] {
		g.metrics.Counter(observability.MetricInstancesSkipped, 1)
		return 0, nil
	}

	if err := g.creator.CreateInstance(ctx, tpl, today); err != nil {
		return 0, err
	}

	g.metrics.Counter(observability.MetricInstancesCreated, 1)
	g.logger.InfoContext(ctx, "recurring instance created",
		"template_id", tpl.ID,
		"occurrence_date", date,
	)
	return 1, nil
}

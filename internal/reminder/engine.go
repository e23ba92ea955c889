package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/dedup"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// triggerPublisher is the slice of events.Publisher the engine needs.
type triggerPublisher interface {
	ReminderTriggeredEvent(ctx context.Context, taskID, userID, kind string, task events.TaskSnapshot) (*events.Envelope, error)
}

// Config holds the engine's loop intervals.
type Config struct {
	FireInterval     time.Duration
	SnapshotInterval time.Duration
}

// DefaultConfig returns the intervals used in production: check the
// queue every 10 seconds, snapshot every 5 minutes.
func DefaultConfig() Config {
	return Config{
		FireInterval:     10 * time.Second,
		SnapshotInterval: 5 * time.Minute,
	}
}

// Engine keeps the reminder queue in sync with the task event stream
// and publishes reminder.triggered events when triggers come due.
type Engine struct {
	queue   *Queue
	store   Store
	pub     triggerPublisher
	guard   dedup.Guard
	config  Config
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewEngine creates a reminder engine. Zero config intervals fall back
// to DefaultConfig; nil guard, logger, and metrics fall back to no-ops.
func NewEngine(store Store, pub triggerPublisher, guard dedup.Guard, config Config, logger *slog.Logger, metrics observability.Metrics) *Engine {
	defaults := DefaultConfig()
	if config.FireInterval <= 0 {
		config.FireInterval = defaults.FireInterval
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = defaults.SnapshotInterval
	}
	if guard == nil {
		guard = dedup.NopGuard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Engine{
		queue:    NewQueue(),
		store:    store,
		pub:      pub,
		guard:    guard,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// EventTypes lists the task lifecycle events the engine consumes.
func (e *Engine) EventTypes() []string {
	return []string{
		string(events.TaskCreated),
		string(events.TaskUpdated),
		string(events.TaskCompleted),
		string(events.TaskDeleted),
	}
}

// Handle applies one task event to the queue.
func (e *Engine) Handle(ctx context.Context, env *events.Envelope) error {
	seen, err := e.guard.Seen(ctx, env.EventID)
	if err != nil {
		e.logger.WarnContext(ctx, "dedup guard unavailable, processing anyway", "error", err)
	}
	if seen {
		e.metrics.Counter(observability.MetricEventsDeduplicated, 1, observability.T("service", "reminder"))
		e.logger.DebugContext(ctx, "duplicate event suppressed", "event_id", env.EventID)
		return nil
	}

	switch env.EventType {
	case events.TaskCreated:
		return e.handleCreated(ctx, env)
	case events.TaskUpdated:
		return e.handleUpdated(ctx, env)
	case events.TaskCompleted, events.TaskDeleted:
		if _, ok := e.queue.Remove(env.TaskID); ok {
			e.metrics.Counter(observability.MetricRemindersCancelled, 1)
			e.logger.InfoContext(ctx, "reminder cancelled",
				"task_id", env.TaskID,
				"event_type", string(env.EventType),
			)
		}
		return nil
	}
	return nil
}

func (e *Engine) handleCreated(ctx context.Context, env *events.Envelope) error {
	task, err := env.Task()
	if err != nil {
		return err
	}
	if task == nil || task.DueDate == nil || task.DueDate.IsZero() || task.ReminderOffset == "" {
		e.logger.DebugContext(ctx, "task has no reminder", "task_id", env.TaskID)
		return nil
	}

	dur, err := ParseOffset(task.ReminderOffset)
	if err != nil {
		e.logger.WarnContext(ctx, "unparseable reminder offset",
			"task_id", env.TaskID,
			"offset", task.ReminderOffset,
		)
		return nil
	}

	e.scheduleEntry(ctx, env.TaskID, env.UserID, task.DueDate.Time, dur, task.Title)
	return nil
}

// handleUpdated reschedules from the change set plus the cached entry:
// a changed half comes from changes, the unchanged half from the entry
// being replaced. No task store readback.
func (e *Engine) handleUpdated(ctx context.Context, env *events.Envelope) error {
	changes, err := env.Changes()
	if err != nil {
		return err
	}
	dueChange, dueChanged := changes["due_date"]
	offsetChange, offsetChanged := changes["reminder_offset"]
	if !dueChanged && !offsetChanged {
		return nil
	}

	prev, hadPrev := e.queue.Remove(env.TaskID)

	// An explicit null clears the reminder.
	if (dueChanged && dueChange.IsNull()) || (offsetChanged && offsetChange.IsNull()) {
		if hadPrev {
			e.metrics.Counter(observability.MetricRemindersCancelled, 1)
			e.logger.InfoContext(ctx, "reminder removed", "task_id", env.TaskID)
		}
		return nil
	}

	var due time.Time
	if dueChanged {
		t, ok := dueChange.NewTime()
		if !ok {
			e.logger.WarnContext(ctx, "unparseable due_date change", "task_id", env.TaskID)
			return nil
		}
		due = t
	} else {
		if !hadPrev {
			return nil
		}
		due = prev.DueDate
	}
	if due.IsZero() {
		return nil
	}

	var dur time.Duration
	if offsetChanged {
		s, ok := offsetChange.NewText()
		if !ok {
			e.logger.WarnContext(ctx, "unparseable reminder_offset change", "task_id", env.TaskID)
			return nil
		}
		d, err := ParseOffset(s)
		if err != nil {
			e.logger.WarnContext(ctx, "unparseable reminder offset",
				"task_id", env.TaskID,
				"offset", s,
			)
			return nil
		}
		dur = d
	} else {
		if prev.DueDate.IsZero() {
			return nil
		}
		dur = prev.DueDate.Sub(prev.TriggerAt)
	}

	title := prev.Title
	if title == "" {
		if task, _ := env.Task(); task != nil && task.Title != "" {
			title = task.Title
		}
	}

	e.scheduleEntry(ctx, env.TaskID, env.UserID, due, dur, title)
	return nil
}

func (e *Engine) scheduleEntry(ctx context.Context, taskID, userID string, due time.Time, offset time.Duration, title string) {
	trigger := due.Add(-offset)
	if !trigger.After(e.now()) {
		e.logger.WarnContext(ctx, "reminder trigger time already passed",
			"task_id", taskID,
			"trigger_at", trigger,
		)
		return
	}

	if title == "" {
		title = "Untitled"
	}
	e.queue.Add(Entry{
		TaskID:    taskID,
		UserID:    userID,
		TriggerAt: trigger,
		Kind:      events.ReminderKindDueDate,
		Title:     title,
		DueDate:   due,
	})
	e.metrics.Counter(observability.MetricRemindersScheduled, 1)
	e.logger.InfoContext(ctx, "reminder scheduled",
		"task_id", taskID,
		"trigger_at", trigger,
	)
}

// Start recovers persisted reminders and begins the fire and snapshot
// loops. A failed recovery logs and starts empty rather than blocking
// the service.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	if entries, err := e.store.LoadPending(ctx, e.now()); err != nil {
		e.logger.Error("failed to load persisted reminders", "error", err)
	} else {
		for _, entry := range entries {
			e.queue.Add(entry)
		}
		if len(entries) > 0 {
			e.logger.Info("reminders recovered from snapshot", "count", len(entries))
		}
	}

	e.wg.Add(2)
	go e.fireLoop(ctx)
	go e.snapshotLoop(ctx)

	e.logger.Info("reminder engine started",
		"fire_interval", e.config.FireInterval,
		"snapshot_interval", e.config.SnapshotInterval,
	)
	return nil
}

// Stop halts the loops and persists a final snapshot.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.snapshot(ctx); err != nil {
		e.logger.Error("final reminder snapshot failed", "error", err)
	}
	e.logger.Info("reminder engine stopped")
}

// IsRunning reports whether the loops are active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// QueueLen reports the number of pending reminders, for health details.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

func (e *Engine) fireLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.FireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.FireOnce(ctx)
		}
	}
}

func (e *Engine) snapshotLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-ticker.C:
			if err := e.snapshot(ctx); err != nil {
				e.logger.Error("reminder snapshot failed", "error", err)
			}
		}
	}
}

// FireOnce pops every due reminder and publishes reminder.triggered for
// each. A failed publish drops the entry; the loop keeps going.
func (e *Engine) FireOnce(ctx context.Context) int {
	fired := 0
	for _, entry := range e.queue.PopDue(e.now()) {
		task := events.TaskSnapshot{Title: entry.Title}
		if !entry.DueDate.IsZero() {
			task.DueDate = events.NewTime(entry.DueDate)
		}

		if _, err := e.pub.ReminderTriggeredEvent(ctx, entry.TaskID, entry.UserID, entry.Kind, task); err != nil {
			e.logger.ErrorContext(ctx, "failed to publish reminder",
				"task_id", entry.TaskID,
				"error", err,
			)
			continue
		}
		fired++
		e.metrics.Counter(observability.MetricRemindersFired, 1)
		e.logger.InfoContext(ctx, "reminder fired",
			"task_id", entry.TaskID,
			"user_id", entry.UserID,
		)
	}
	return fired
}

func (e *Engine) snapshot(ctx context.Context) error {
	timer := observability.StartTimer("reminder.snapshot").WithMetrics(e.metrics)
	entries := e.queue.Snapshot()
	err := e.store.SaveSnapshot(ctx, entries)
	timer.StopWithError(err)
	if err != nil {
		return fmt.Errorf("persist reminder snapshot: %w", err)
	}
	e.logger.Debug("reminder snapshot persisted", "count", len(entries))
	return nil
}

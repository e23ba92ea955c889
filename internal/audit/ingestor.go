package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// Config holds the ingestor's batching knobs.
type Config struct {
	// FlushInterval is how often the buffer is flushed regardless of size.
	FlushInterval time.Duration
	// FlushSize triggers an immediate flush when the buffer reaches it.
	FlushSize int
}

func DefaultConfig() Config {
	return Config{
		FlushInterval: time.Second,
		FlushSize:     100,
	}
}

// Ingestor buffers incoming events and flushes them to the store in
// batches. Duplicate deliveries are not filtered here; the event_id
// primary key absorbs them at insert time.
type Ingestor struct {
	store   Store
	config  Config
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	buffer   []Record
	flushing bool
	running  bool
	stopChan chan struct{}

	wg sync.WaitGroup
}

func NewIngestor(store Store, config Config, logger *slog.Logger, metrics observability.Metrics) *Ingestor {
	defaults := DefaultConfig()
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.FlushSize <= 0 {
		config.FlushSize = defaults.FlushSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Ingestor{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// EventTypes subscribes the ingestor to the four task lifecycle
// topics. Reminder firings are derived signals, not task history, and
// stay out of the audit log.
func (i *Ingestor) EventTypes() []string {
	return []string{
		string(events.TaskCreated),
		string(events.TaskUpdated),
		string(events.TaskCompleted),
		string(events.TaskDeleted),
	}
}

// Handle buffers the event. The broker gets its ack as soon as the
// record sits in the buffer; durability arrives with the next flush.
func (i *Ingestor) Handle(ctx context.Context, env *events.Envelope) error {
	record, err := FromEnvelope(env, i.now())
	if err != nil {
		return err
	}
	i.Add(ctx, record)
	return nil
}

// Add appends a record and kicks off an async flush once the buffer
// reaches the configured size.
func (i *Ingestor) Add(ctx context.Context, record Record) {
	i.mu.Lock()
	i.buffer = append(i.buffer, record)
	full := len(i.buffer) >= i.config.FlushSize
	i.mu.Unlock()

	if full {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.Flush(context.WithoutCancel(ctx))
		}()
	}
}

// Flush writes the buffered records in one batch and returns how many
// rows the store accepted. A failed flush drops the batch: the broker
// already received its ack, and re-buffering against a down database
// would grow without bound.
func (i *Ingestor) Flush(ctx context.Context) int {
	i.mu.Lock()
	if i.flushing || len(i.buffer) == 0 {
		i.mu.Unlock()
		return 0
	}
	i.flushing = true
	batch := i.buffer
	i.buffer = nil
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.flushing = false
		i.mu.Unlock()
	}()

	timer := observability.StartTimer("audit.flush").WithMetrics(i.metrics)
	inserted, err := i.store.Append(ctx, batch)
	timer.StopWithError(err)
	if err != nil {
		i.metrics.Counter(observability.MetricAuditDropped, int64(len(batch)))
		i.logger.ErrorContext(ctx, "audit flush failed, dropping batch",
			"batch_size", len(batch),
			"error", err,
		)
		return 0
	}

	if conflicts := len(batch) - inserted; conflicts > 0 {
		i.metrics.Counter(observability.MetricAuditConflict, int64(conflicts))
	}
	i.metrics.Counter(observability.MetricAuditFlushes, 1)
	i.metrics.Counter(observability.MetricAuditRecords, int64(inserted))
	i.logger.DebugContext(ctx, "audit batch flushed",
		"batch_size", len(batch),
		"inserted", inserted,
	)
	return inserted
}

// BufferLen reports how many records await the next flush.
func (i *Ingestor) BufferLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.buffer)
}

// Start begins the interval flush loop.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil
	}
	i.running = true
	i.stopChan = make(chan struct{})
	i.mu.Unlock()

	i.wg.Add(1)
	go i.flushLoop(ctx)

	i.logger.Info("audit ingestor started",
		"flush_interval", i.config.FlushInterval,
		"flush_size", i.config.FlushSize,
	)
	return nil
}

// Stop halts the loop and flushes whatever is still buffered.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	close(i.stopChan)
	i.mu.Unlock()

	i.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n := i.Flush(ctx); n > 0 {
		i.logger.Info("final audit flush", "inserted", n)
	}
	i.logger.Info("audit ingestor stopped")
}

// IsRunning reports whether the flush loop is active.
func (i *Ingestor) IsRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

func (i *Ingestor) flushLoop(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopChan:
			return
		case <-ticker.C:
			i.Flush(ctx)
		}
	}
}

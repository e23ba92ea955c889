package observability

import (
	"time"
)

// Timer tracks the duration of operations and records metrics.
type Timer struct {
	operation string
	start     time.Time
	metrics   Metrics
}

// StartTimer creates a new timer for the given operation.
func StartTimer(operation string) *Timer {
	return &Timer{
		operation: operation,
		start:     time.Now(),
	}
}

// WithMetrics adds a metrics collector to the timer.
func (t *Timer) WithMetrics(metrics Metrics) *Timer {
	t.metrics = metrics
	return t
}

// Stop records the operation duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	if t.metrics != nil {
		tag := T("operation", t.operation)
		t.metrics.Timing(MetricOperationDuration, duration, tag)
		t.metrics.Counter(MetricOperationTotal, 1, tag)
	}

	return duration
}

// StopWithError records the operation duration and, for a non-nil err,
// counts the failure.
func (t *Timer) StopWithError(err error) time.Duration {
	duration := t.Stop()

	if err != nil && t.metrics != nil {
		t.metrics.Counter(MetricOperationErrors, 1, T("operation", t.operation))
	}

	return duration
}

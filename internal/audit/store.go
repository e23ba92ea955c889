package audit

import (
	"context"
	"errors"
)

// ErrNoRecords is returned by ListByTask when a task has no audit
// history. The API layer maps it to 404.
var ErrNoRecords = errors.New("no audit records")

const (
	// DefaultListLimit applies when the caller passes no limit.
	DefaultListLimit = 100
	// MaxListLimit caps a single query regardless of what was asked.
	MaxListLimit = 1000
)

// Store appends audit rows and serves the per-task history.
type Store interface {
	// Append inserts a batch in one transaction and returns how many
	// rows were actually written. Rows whose event_id already exists
	// are skipped, not errors.
	Append(ctx context.Context, records []Record) (int, error)

	// ListByTask returns a task's records ordered by occurrence time
	// (event_id breaks ties). An empty eventTypes list means all types.
	ListByTask(ctx context.Context, taskID string, limit int, eventTypes []string) ([]Record, error)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

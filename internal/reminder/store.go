package reminder

import (
	"context"
	"time"
)

// Store persists queue snapshots for crash recovery. Snapshots are
// whole-queue replacements: the engine owns the authoritative state in
// memory and the table only has to survive restarts.
type Store interface {
	// SaveSnapshot atomically replaces all pending rows with the given
	// entries.
	SaveSnapshot(ctx context.Context, entries []Entry) error

	// LoadPending returns pending reminders that trigger after now.
	// Rows already past due are left behind; firing them late after an
	// outage would surprise users more than staying silent.
	LoadPending(ctx context.Context, now time.Time) ([]Entry, error)
}

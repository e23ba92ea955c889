// Package audit persists every event on the bus into an append-only
// task_events table. Rows arrive through a buffered ingestor that
// flushes in batches; the event ID is the primary key, so broker
// redeliveries collapse at insert time.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/taskfabric/internal/events"
)

// Record is one audit row. Payload keeps the full event as it appeared
// on the wire; PartitionKey buckets rows by month for pruning.
type Record struct {
	EventID       string
	EventType     string
	TaskID        string
	UserID        string
	OccurredAt    time.Time
	Payload       json.RawMessage
	CorrelationID string
	PartitionKey  time.Time
	IngestedAt    time.Time
}

// FromEnvelope builds the audit row for an event. The full envelope is
// re-serialized into Payload so the row stands on its own.
func FromEnvelope(env *events.Envelope, ingestedAt time.Time) (Record, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return Record{}, fmt.Errorf("%w: encode audit payload: %v", events.ErrMalformed, err)
	}

	occurred := env.Timestamp
	if occurred.IsZero() {
		occurred = ingestedAt
	}

	return Record{
		EventID:       env.EventID,
		EventType:     string(env.EventType),
		TaskID:        env.TaskID,
		UserID:        env.UserID,
		OccurredAt:    occurred,
		Payload:       payload,
		CorrelationID: env.CorrelationID,
		PartitionKey:  monthStart(occurred),
		IngestedAt:    ingestedAt,
	}, nil
}

func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

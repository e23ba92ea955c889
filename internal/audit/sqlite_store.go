package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/taskfabric/internal/events"
)

// SQLiteStore persists audit rows in a local SQLite file. Timestamps
// are stored as ISO 8601 UTC text, so lexicographic order matches
// chronological order.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Append(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin audit append: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT OR IGNORE INTO task_events (
			event_id, event_type, task_id, user_id,
			occurred_at, payload, correlation_id, partition_key, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	inserted := 0
	for _, r := range records {
		payload := string(r.Payload)
		if payload == "" {
			payload = "{}"
		}
		var correlationID any
		if r.CorrelationID != "" {
			correlationID = r.CorrelationID
		}

		res, err := tx.ExecContext(ctx, query,
			r.EventID,
			r.EventType,
			r.TaskID,
			r.UserID,
			r.OccurredAt.UTC().Format(events.TimeLayout),
			payload,
			correlationID,
			r.PartitionKey.UTC().Format("2006-01-02"),
			r.IngestedAt.UTC().Format(events.TimeLayout),
		)
		if err != nil {
			return 0, fmt.Errorf("insert audit record %s: %w", r.EventID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit audit append: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) ListByTask(ctx context.Context, taskID string, limit int, eventTypes []string) ([]Record, error) {
	query := `
		SELECT event_id, event_type, task_id, user_id,
		       occurred_at, payload, correlation_id, partition_key, created_at
		FROM task_events
		WHERE task_id = ?
	`
	args := []any{taskID}

	if len(eventTypes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(eventTypes)), ", ")
		query += fmt.Sprintf(" AND event_type IN (%s)", placeholders)
		for _, et := range eventTypes {
			args = append(args, et)
		}
	}

	query += " ORDER BY occurred_at ASC, event_id ASC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r             Record
			occurredAt    string
			payload       string
			correlationID sql.NullString
			partitionKey  string
			ingestedAt    string
		)
		if err := rows.Scan(
			&r.EventID,
			&r.EventType,
			&r.TaskID,
			&r.UserID,
			&occurredAt,
			&payload,
			&correlationID,
			&partitionKey,
			&ingestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}

		if r.OccurredAt, err = events.ParseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parse occurred_at for %s: %w", r.EventID, err)
		}
		if r.PartitionKey, err = events.ParseTime(partitionKey); err != nil {
			return nil, fmt.Errorf("parse partition_key for %s: %w", r.EventID, err)
		}
		if r.IngestedAt, err = events.ParseTime(ingestedAt); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", r.EventID, err)
		}
		r.Payload = []byte(payload)
		r.CorrelationID = correlationID.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}

	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// PostgresStore persists audit rows in the task_events table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin audit append: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO task_events (
			event_id, event_type, task_id, user_id,
			occurred_at, payload, correlation_id, partition_key, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING
	`

	inserted := 0
	for _, r := range records {
		payload := []byte(r.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		var correlationID *string
		if r.CorrelationID != "" {
			correlationID = &r.CorrelationID
		}

		tag, err := tx.Exec(ctx, query,
			r.EventID,
			r.EventType,
			r.TaskID,
			r.UserID,
			r.OccurredAt,
			payload,
			correlationID,
			r.PartitionKey,
			r.IngestedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert audit record %s: %w", r.EventID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit audit append: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) ListByTask(ctx context.Context, taskID string, limit int, eventTypes []string) ([]Record, error) {
	query := `
		SELECT event_id, event_type, task_id, user_id,
		       occurred_at, payload, correlation_id, partition_key, created_at
		FROM task_events
		WHERE task_id = $1
	`
	args := []any{taskID}

	if len(eventTypes) > 0 {
		args = append(args, pq.Array(eventTypes))
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}

	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY occurred_at ASC, event_id ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records for task %s: %w", taskID, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			r             Record
			correlationID *string
		)
		if err := rows.Scan(
			&r.EventID,
			&r.EventType,
			&r.TaskID,
			&r.UserID,
			&r.OccurredAt,
			&r.Payload,
			&correlationID,
			&r.PartitionKey,
			&r.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if correlationID != nil {
			r.CorrelationID = *correlationID
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

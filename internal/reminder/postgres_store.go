package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists reminder snapshots in the reminder_schedule
// table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed reminder store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// SaveSnapshot replaces all pending rows with the given entries in a
// single transaction.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, entries []Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reminder snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM reminder_schedule WHERE status = 'pending'`); err != nil {
		return fmt.Errorf("clear pending reminders: %w", err)
	}

	query := `
		INSERT INTO reminder_schedule (
			task_id, user_id, trigger_at, reminder_kind, status, task_title, task_due_date, updated_at
		) VALUES ($1, $2, $3, $4, 'pending', $5, $6, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			trigger_at = EXCLUDED.trigger_at,
			reminder_kind = EXCLUDED.reminder_kind,
			status = 'pending',
			task_title = EXCLUDED.task_title,
			task_due_date = EXCLUDED.task_due_date,
			updated_at = NOW()
	`
	for _, e := range entries {
		var dueDate *time.Time
		if !e.DueDate.IsZero() {
			dueDate = &e.DueDate
		}
		if _, err := tx.Exec(ctx, query, e.TaskID, e.UserID, e.TriggerAt, e.Kind, e.Title, dueDate); err != nil {
			return fmt.Errorf("save reminder for task %s: %w", e.TaskID, err)
		}
	}

	return tx.Commit(ctx)
}

// LoadPending returns pending reminders with trigger_at after now.
func (s *PostgresStore) LoadPending(ctx context.Context, now time.Time) ([]Entry, error) {
	query := `
		SELECT task_id, user_id, trigger_at, reminder_kind, task_title, task_due_date
		FROM reminder_schedule
		WHERE status = 'pending' AND trigger_at > $1
		ORDER BY trigger_at
	`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("load pending reminders: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var dueDate *time.Time
		if err := rows.Scan(&e.TaskID, &e.UserID, &e.TriggerAt, &e.Kind, &e.Title, &dueDate); err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		if dueDate != nil {
			e.DueDate = *dueDate
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

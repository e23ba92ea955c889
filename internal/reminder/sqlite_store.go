package reminder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/taskfabric/internal/events"
)

// SQLiteStore persists reminder snapshots in SQLite. Timestamps are
// stored as ISO 8601 text in UTC, which keeps lexicographic and
// chronological order identical for the trigger_at comparison.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed reminder store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// SaveSnapshot replaces all pending rows with the given entries in a
// single transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reminder snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reminder_schedule WHERE status = 'pending'`); err != nil {
		return fmt.Errorf("clear pending reminders: %w", err)
	}

	query := `
		INSERT INTO reminder_schedule (
			reminder_id, task_id, user_id, trigger_at, reminder_kind, status, task_title, task_due_date, updated_at
		) VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			trigger_at = excluded.trigger_at,
			reminder_kind = excluded.reminder_kind,
			status = 'pending',
			task_title = excluded.task_title,
			task_due_date = excluded.task_due_date,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(events.TimeLayout)
	for _, e := range entries {
		var dueDate any
		if !e.DueDate.IsZero() {
			dueDate = e.DueDate.UTC().Format(events.TimeLayout)
		}
		_, err := tx.ExecContext(ctx, query,
			uuid.NewString(),
			e.TaskID,
			e.UserID,
			e.TriggerAt.UTC().Format(events.TimeLayout),
			e.Kind,
			e.Title,
			dueDate,
			now,
		)
		if err != nil {
			return fmt.Errorf("save reminder for task %s: %w", e.TaskID, err)
		}
	}

	return tx.Commit()
}

// LoadPending returns pending reminders with trigger_at after now.
func (s *SQLiteStore) LoadPending(ctx context.Context, now time.Time) ([]Entry, error) {
	query := `
		SELECT task_id, user_id, trigger_at, reminder_kind, task_title, task_due_date
		FROM reminder_schedule
		WHERE status = 'pending' AND trigger_at > ?
		ORDER BY trigger_at
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(events.TimeLayout))
	if err != nil {
		return nil, fmt.Errorf("load pending reminders: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var triggerAt string
		var dueDate sql.NullString
		if err := rows.Scan(&e.TaskID, &e.UserID, &triggerAt, &e.Kind, &e.Title, &dueDate); err != nil {
			return nil, fmt.Errorf("scan reminder row: %w", err)
		}
		if e.TriggerAt, err = events.ParseTime(triggerAt); err != nil {
			return nil, fmt.Errorf("reminder for task %s: %w", e.TaskID, err)
		}
		if dueDate.Valid && dueDate.String != "" {
			if e.DueDate, err = events.ParseTime(dueDate.String); err != nil {
				return nil, fmt.Errorf("reminder for task %s: %w", e.TaskID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

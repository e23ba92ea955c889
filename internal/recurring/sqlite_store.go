package recurring

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/taskfabric/internal/events"
)

// SQLiteStore reads recurring templates from a SQLite tasks table, used
// in development and tests. Timestamps are ISO 8601 text in UTC, so the
// end-date comparison works lexicographically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed template store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// ListTemplates returns active recurring templates ordered by creation time.
func (s *SQLiteStore) ListTemplates(ctx context.Context, now time.Time) ([]Template, error) {
	query := `
		SELECT id, user_id, title, description, recurrence_pattern,
		       recurrence_end_date, created_at, due_date
		FROM tasks
		WHERE recurrence_pattern IS NOT NULL
		  AND completed = 0
		  AND parent_recurring_task_id IS NULL
		  AND (recurrence_end_date IS NULL OR recurrence_end_date >= ?)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(events.TimeLayout))
	if err != nil {
		return nil, fmt.Errorf("list recurring templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var (
			tpl         Template
			description sql.NullString
			endDate     sql.NullString
			createdAt   string
			dueDate     sql.NullString
		)
		err := rows.Scan(
			&tpl.ID,
			&tpl.UserID,
			&tpl.Title,
			&description,
			&tpl.RecurrencePattern,
			&endDate,
			&createdAt,
			&dueDate,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recurring template: %w", err)
		}
		tpl.Description = description.String
		if tpl.CreatedAt, err = events.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("template %s: %w", tpl.ID, err)
		}
		if endDate.Valid && endDate.String != "" {
			parsed, err := events.ParseTime(endDate.String)
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", tpl.ID, err)
			}
			tpl.RecurrenceEndDate = &parsed
		}
		if dueDate.Valid && dueDate.String != "" {
			parsed, err := events.ParseTime(dueDate.String)
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", tpl.ID, err)
			}
			tpl.DueDate = &parsed
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return templates, nil
}

// ExistingOccurrences returns the subset of dates that already have an
// instance row for the template.
func (s *SQLiteStore) ExistingOccurrences(ctx context.Context, templateID string, dates []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(dates))
	if len(dates) == 0 {
		return existing, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(dates)), ", ")
	query := fmt.Sprintf(`
		SELECT occurrence_date
		FROM tasks
		WHERE parent_recurring_task_id = ?
		  AND occurrence_date IN (%s)
	`, placeholders)

	args := make([]any, 0, len(dates)+1)
	args = append(args, templateID)
	for _, d := range dates {
		args = append(args, d)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("check existing occurrences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("scan occurrence date: %w", err)
		}
		existing[date] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return existing, nil
}

package recurring

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// PostgresStore reads recurring templates from the shared tasks table.
// The schema belongs to the Task API, so id and date comparisons go
// through text casts to stay independent of its column types.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a template store on the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ListTemplates returns active recurring templates ordered by creation time.
func (s *PostgresStore) ListTemplates(ctx context.Context, now time.Time) ([]Template, error) {
	query := `
		SELECT id::text, user_id::text, title, description, recurrence_pattern,
		       recurrence_end_date, created_at, due_date
		FROM tasks
		WHERE recurrence_pattern IS NOT NULL
		  AND completed = false
		  AND parent_recurring_task_id IS NULL
		  AND (recurrence_end_date IS NULL OR recurrence_end_date >= $1)
		ORDER BY created_at ASC
	`

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list recurring templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var (
			tpl         Template
			description *string
		)
		err := rows.Scan(
			&tpl.ID,
			&tpl.UserID,
			&tpl.Title,
			&description,
			&tpl.RecurrencePattern,
			&tpl.RecurrenceEndDate,
			&tpl.CreatedAt,
			&tpl.DueDate,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recurring template: %w", err)
		}
		if description != nil {
			tpl.Description = *description
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recurring templates: %w", err)
	}

	return templates, nil
}

// ExistingOccurrences returns the subset of dates that already have an
// instance row for the template.
func (s *PostgresStore) ExistingOccurrences(ctx context.Context, templateID string, dates []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(dates))
	if len(dates) == 0 {
		return existing, nil
	}

	query := `
		SELECT occurrence_date::text
		FROM tasks
		WHERE parent_recurring_task_id::text = $1
		  AND occurrence_date::text = ANY($2)
	`

	rows, err := s.pool.Query(ctx, query, templateID, pq.Array(dates))
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
		return nil, fmt.Errorf("iterate occurrence dates: %w", err)
	}

	return existing, nil
}

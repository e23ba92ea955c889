// Package recurring materializes occurrences of recurring task
// templates. A generator loop scans the task store for active
// templates, checks which patterns match today, and creates the
// missing instances through the Task API so the owning service
// publishes the usual task.created event for each one.
package recurring

import (
	"context"
	"time"
)

// dateLayout renders occurrence dates the way the task store and the
// Task API exchange them.
const dateLayout = "2006-01-02"

// Template is a recurring task definition read from the task store:
// the user-created row that instances are stamped from.
type Template struct {
	ID                string
	UserID            string
	Title             string
	Description       string
	RecurrencePattern string
	RecurrenceEndDate *time.Time
	CreatedAt         time.Time
	DueDate           *time.Time
}

// TemplateStore reads recurring templates and their materialized
// occurrences. The generator never writes tasks directly; creation
// goes through the Task API.
type TemplateStore interface {
	// ListTemplates returns active templates: tasks with a recurrence
	// pattern, not completed, not themselves instances, whose end date
	// (if any) has not passed as of now. Ordered by creation time.
	ListTemplates(ctx context.Context, now time.Time) ([]Template, error)

	// ExistingOccurrences reports which of the given occurrence dates
	// (YYYY-MM-DD) already have an instance of the template.
	ExistingOccurrences(ctx context.Context, templateID string, dates []string) (map[string]bool, error)
}

package recurring

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/database"
)

// The tasks table belongs to the Task API; tests mirror the columns the
// store reads.
const testTasksSchema = `
	CREATE TABLE tasks (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL,
		title                    TEXT NOT NULL,
		description              TEXT,
		completed                INTEGER NOT NULL DEFAULT 0,
		recurrence_pattern       TEXT,
		recurrence_end_date      TEXT,
		parent_recurring_task_id TEXT,
		occurrence_date          TEXT,
		due_date                 TEXT,
		created_at               TEXT NOT NULL
	)
`

func newTaskDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(ctx, testTasksSchema)
	require.NoError(t, err)
	return db
}

type taskRow struct {
	id         string
	title      string
	pattern    string
	endDate    string
	parentID   string
	occurrence string
	completed  bool
	createdAt  time.Time
}

func insertTask(t *testing.T, db *sql.DB, row taskRow) {
	t.Helper()
	completed := 0
	if row.completed {
		completed = 1
	}
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO tasks (id, user_id, title, completed, recurrence_pattern,
		                   recurrence_end_date, parent_recurring_task_id,
		                   occurrence_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		row.id,
		"user-1",
		row.title,
		completed,
		nullable(row.pattern),
		nullable(row.endDate),
		nullable(row.parentID),
		nullable(row.occurrence),
		row.createdAt.UTC().Format(events.TimeLayout),
	)
	require.NoError(t, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func TestSQLiteStore_ListTemplates(t *testing.T) {
	ctx := context.Background()
	db := newTaskDB(t)
	store := NewSQLiteStore(db)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

	insertTask(t, db, taskRow{
		id: "tpl-daily", title: "Water the plants", pattern: "daily",
		createdAt: now.Add(-72 * time.Hour),
	})
	insertTask(t, db, taskRow{
		id: "tpl-weekly", title: "Weekly review", pattern: "weekly:fri",
		createdAt: now.Add(-48 * time.Hour),
	})
	insertTask(t, db, taskRow{
		id: "plain", title: "One-off errand",
		createdAt: now.Add(-24 * time.Hour),
	})
	insertTask(t, db, taskRow{
		id: "done", title: "Finished template", pattern: "daily", completed: true,
		createdAt: now.Add(-24 * time.Hour),
	})
	insertTask(t, db, taskRow{
		id: "child", title: "Water the plants (2025-06-14)", parentID: "tpl-daily",
		occurrence: "2025-06-14", createdAt: now.Add(-20 * time.Hour),
	})
	insertTask(t, db, taskRow{
		id: "ended", title: "Expired template", pattern: "daily",
		endDate:   now.Add(-time.Hour).Format(events.TimeLayout),
		createdAt: now.Add(-96 * time.Hour),
	})

	templates, err := store.ListTemplates(ctx, now)
	require.NoError(t, err)
	require.Len(t, templates, 2, "only live, non-instance templates survive the filter")

	assert.Equal(t, "tpl-daily", templates[0].ID, "ordered by creation time")
	assert.Equal(t, "user-1", templates[0].UserID)
	assert.Equal(t, "daily", templates[0].RecurrencePattern)
	assert.Nil(t, templates[0].RecurrenceEndDate)
	assert.Equal(t, now.Add(-72*time.Hour), templates[0].CreatedAt.UTC())

	assert.Equal(t, "tpl-weekly", templates[1].ID)
	assert.Equal(t, "weekly:fri", templates[1].RecurrencePattern)
}

func TestSQLiteStore_ListTemplatesKeepsFutureEndDate(t *testing.T) {
	ctx := context.Background()
	db := newTaskDB(t)
	store := NewSQLiteStore(db)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)

	insertTask(t, db, taskRow{
		id: "tpl-1", title: "Still running", pattern: "daily",
		endDate:   now.Add(24 * time.Hour).Format(events.TimeLayout),
		createdAt: now.Add(-time.Hour),
	})

	templates, err := store.ListTemplates(ctx, now)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	require.NotNil(t, templates[0].RecurrenceEndDate)
	assert.Equal(t, now.Add(24*time.Hour), templates[0].RecurrenceEndDate.UTC())
}

func TestSQLiteStore_ExistingOccurrences(t *testing.T) {
	ctx := context.Background()
	db := newTaskDB(t)
	store := NewSQLiteStore(db)
	created := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

	insertTask(t, db, taskRow{id: "tpl-1", title: "Template", pattern: "daily", createdAt: created})
	insertTask(t, db, taskRow{
		id: "inst-1", title: "Template (2025-06-14)", parentID: "tpl-1",
		occurrence: "2025-06-14", createdAt: created.Add(time.Hour),
	})
	insertTask(t, db, taskRow{
		id: "other-inst", title: "Other (2025-06-15)", parentID: "tpl-2",
		occurrence: "2025-06-15", createdAt: created.Add(time.Hour),
	})

	existing, err := store.ExistingOccurrences(ctx, "tpl-1", []string{"2025-06-14", "2025-06-15"})
	require.NoError(t, err)
	assert.True(t, existing["2025-06-14"])
	assert.False(t, existing["2025-06-15"], "another template's instance does not count")

	empty, err := store.ExistingOccurrences(ctx, "tpl-1", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// Package migrations creates the tables this codebase owns: task_events
// for the audit trail and reminder_schedule for reminder crash recovery.
// Migrations are embedded, idempotent, and run at service startup.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// RunSQLiteMigrations executes all SQLite migrations in order.
func RunSQLiteMigrations(ctx context.Context, db *sql.DB) error {
	files, err := upFiles(sqliteFS, "sqlite")
	if err != nil {
		return err
	}

	for _, file := range files {
		migration, err := sqliteFS.ReadFile("sqlite/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := db.ExecContext(ctx, string(migration)); err != nil {
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
	}

	return nil
}

// upFiles lists the .up.sql files in dir sorted by name, so the numeric
// prefixes fix the execution order.
func upFiles(fsys embed.FS, dir string) ([]string, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

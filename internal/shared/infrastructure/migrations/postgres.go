package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

// RunPostgresMigrations executes all PostgreSQL migrations in order.
func RunPostgresMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := upFiles(postgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, file := range files {
		migration, err := postgresFS.ReadFile("postgres/" + file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(migration)); err != nil {
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
	}

	return nil
}

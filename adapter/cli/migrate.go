package cli

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	Long: `Applies the schema migrations for the configured DATABASE_URL and
exits. The reminder and audit services also run migrations at startup,
so this command is only needed for locked-down deployments that migrate
separately.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime("migrate")
	if err != nil {
		return err
	}
	defer rt.closeAll()

	if _, err := rt.openDatabase(cmd.Context(), dbMigrateStrict); err != nil {
		return err
	}

	rt.logger.Info("migrations applied")
	return nil
}

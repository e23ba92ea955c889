package cli

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/taskfabric/adapter/api"
	"github.com/felixgeelhaar/taskfabric/internal/recurring"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/database"
)

var recurringCmd = &cobra.Command{
	Use:   "recurring",
	Short: "Run the recurring-task generator",
	Long: `The generator scans recurring-task templates on a schedule and
creates today's instances through the Task API. Task events with a
recurrence pattern trigger an extra scan between intervals.`,
	RunE: runRecurring,
}

func init() {
	rootCmd.AddCommand(recurringCmd)
}

func runRecurring(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime("recurring")
	if err != nil {
		return err
	}
	defer rt.closeAll()

	ctx, cancel := signalContext(cmd.Context(), rt.logger)
	defer cancel()

	// Templates live in the tasks table owned by the Task API, so the
	// generator connects without running this module's migrations.
	dbs, err := rt.openDatabase(ctx, dbReadOnly)
	if err != nil {
		return err
	}

	var store recurring.TemplateStore
	switch dbs.Driver {
	case database.DriverPostgres:
		store = recurring.NewPostgresStore(dbs.Pg)
	default:
		store = recurring.NewSQLiteStore(dbs.Lite)
	}

	creator := recurring.NewClient(recurring.ClientConfig{
		BaseURL: rt.cfg.DaprBaseURL(),
		AppID:   rt.cfg.TaskAPIAppID,
		Token:   rt.cfg.TaskAPIToken,
		DryRun:  rt.cfg.GeneratorDryRun,
	}, rt.logger, rt.metrics)

	generator := recurring.NewGenerator(store, creator, recurring.Config{
		Interval: rt.cfg.GeneratorInterval,
	}, rt.logger, rt.metrics)

	if err := rt.startIngress(ctx, generator); err != nil {
		return err
	}
	if err := generator.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(
		api.DefaultServerConfig(rt.cfg.ListenAddr(recurringPort)),
		api.Handlers{
			Service:  "recurring",
			Version:  Version,
			Health:   rt.health,
			Dispatch: api.NewDispatchHandler(rt.registry, rt.cfg.PubsubName, rt.logger, rt.metrics),
		},
		rt.logger,
	)

	return rt.serve(ctx, server, generator.Stop)
}

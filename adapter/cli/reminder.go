package cli

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/taskfabric/adapter/api"
	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/internal/reminder"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

var reminderCmd = &cobra.Command{
	Use:   "reminder",
	Short: "Run the reminder engine",
	Long: `The reminder engine tracks upcoming task reminders in an in-memory
queue, publishes a reminder-triggered event when one comes due, and
snapshots the queue to the database so a restart recovers pending
reminders.`,
	RunE: runReminder,
}

func init() {
	rootCmd.AddCommand(reminderCmd)
}

func runReminder(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime("reminder")
	if err != nil {
		return err
	}
	defer rt.closeAll()

	ctx, cancel := signalContext(cmd.Context(), rt.logger)
	defer cancel()

	dbs, err := rt.openDatabase(ctx, dbMigrate)
	if err != nil {
		return err
	}

	var store reminder.Store
	switch dbs.Driver {
	case database.DriverPostgres:
		store = reminder.NewPostgresStore(dbs.Pg)
	default:
		store = reminder.NewSQLiteStore(dbs.Lite)
	}

	guard, err := rt.dedupGuard(ctx)
	if err != nil {
		return err
	}

	bus, err := rt.buildBus(ctx)
	if err != nil {
		return err
	}
	publisher := events.NewPublisher(bus, rt.logger, rt.metrics)

	engine := reminder.NewEngine(store, publisher, guard, reminder.Config{
		FireInterval:     rt.cfg.ReminderFireInterval,
		SnapshotInterval: rt.cfg.ReminderSnapshotInterval,
	}, rt.logger, rt.metrics)

	rt.health.Register("queue", observability.ComponentStatsChecker(func() map[string]any {
		return map[string]any{"pending": engine.QueueLen()}
	}))

	if err := rt.startIngress(ctx, engine); err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(
		api.DefaultServerConfig(rt.cfg.ListenAddr(reminderPort)),
		api.Handlers{
			Service:  "reminder",
			Version:  Version,
			Health:   rt.health,
			Dispatch: api.NewDispatchHandler(rt.registry, rt.cfg.PubsubName, rt.logger, rt.metrics),
		},
		rt.logger,
	)

	return rt.serve(ctx, server, engine.Stop)
}

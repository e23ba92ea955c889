package cli

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/taskfabric/adapter/api"
	"github.com/felixgeelhaar/taskfabric/internal/audit"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run the audit service",
	Long: `The audit service appends every task event to an immutable log,
batching writes for throughput, and serves the per-task history over
HTTP.`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime("audit")
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

	var store audit.Store
	switch dbs.Driver {
	case database.DriverPostgres:
		store = audit.NewPostgresStore(dbs.Pg)
	default:
		store = audit.NewSQLiteStore(dbs.Lite)
	}

	ingestor := audit.NewIngestor(store, audit.Config{
		FlushInterval: rt.cfg.AuditFlushInterval,
		FlushSize:     rt.cfg.AuditFlushSize,
	}, rt.logger, rt.metrics)

	rt.health.Register("buffer", observability.ComponentStatsChecker(func() map[string]any {
		return map[string]any{"buffered": ingestor.BufferLen()}
	}))

	if err := rt.startIngress(ctx, ingestor); err != nil {
		return err
	}
	if err := ingestor.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(
		api.DefaultServerConfig(rt.cfg.ListenAddr(auditPort)),
		api.Handlers{
			Service:  "audit",
			Version:  Version,
			Health:   rt.health,
			Dispatch: api.NewDispatchHandler(rt.registry, rt.cfg.PubsubName, rt.logger, rt.metrics),
			Audit:    api.NewAuditHandler(store, rt.logger),
		},
		rt.logger,
	)

	return rt.serve(ctx, server, ingestor.Stop)
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/taskfabric/adapter/api"
	"github.com/felixgeelhaar/taskfabric/internal/notifier"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Run the notification service",
	Long: `The notifier turns task events into user notifications and streams
them to connected clients over Server-Sent Events. Connection state
lives in memory only; clients reconnect after a restart.`,
	RunE: runNotifier,
}

func init() {
	rootCmd.AddCommand(notifierCmd)
}

func runNotifier(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime("notifier")
	if err != nil {
		return err
	}
	defer rt.closeAll()

	ctx, cancel := signalContext(cmd.Context(), rt.logger)
	defer cancel()

	guard, err := rt.dedupGuard(ctx)
	if err != nil {
		return err
	}

	registry := notifier.NewRegistry(notifier.Config{
		HeartbeatInterval: rt.cfg.HeartbeatInterval,
		EvictionInterval:  rt.cfg.EvictionInterval,
		StaleAfter:        rt.cfg.StaleAfter,
	}, rt.logger, rt.metrics)

	service := notifier.NewService(registry, guard, rt.logger, rt.metrics)

	rt.health.Register("streams", observability.ComponentStatsChecker(func() map[string]any {
		return map[string]any{"connections": registry.TotalConnections()}
	}))

	if err := rt.startIngress(ctx, service); err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}

	// SSE streams stay open indefinitely, so the server runs without a
	// write timeout.
	server := api.NewServer(
		api.StreamingServerConfig(rt.cfg.ListenAddr(notifierPort)),
		api.Handlers{
			Service:  "notifier",
			Version:  Version,
			Health:   rt.health,
			Dispatch: api.NewDispatchHandler(rt.registry, rt.cfg.PubsubName, rt.logger, rt.metrics),
			Stream:   api.NewStreamHandler(registry, rt.logger),
		},
		rt.logger,
	)

	return rt.serve(ctx, server, registry.Stop)
}

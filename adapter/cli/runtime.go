package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/taskfabric/adapter/api"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/dedup"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/taskfabric/pkg/config"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// Default HTTP ports, one per service. APP_PORT overrides them.
const (
	recurringPort = 8001
	reminderPort  = 8002
	notifierPort  = 8003
	auditPort     = 8004
)

const (
	pgMaxConns        = 10
	startupPingBudget = 5 * time.Second
)

// runtime wires the pieces every service shares: configuration,
// logging, metrics, health checks, the database and the event ingress.
// It owns the connections it opens and closes them in reverse order on
// shutdown.
type runtime struct {
	service  string
	cfg      *config.Config
	logger   *slog.Logger
	metrics  observability.Metrics
	health   *observability.HealthRegistry
	registry *eventbus.ConsumerRegistry

	rabbit *eventbus.RabbitMQConsumer

	closers []func()
}

// newRuntime loads configuration and prepares logging, metrics, health
// checks and the consumer registry for one service.
func newRuntime(service string) (*runtime, error) {
	if cfgFile != "" {
		if err := godotenv.Load(cfgFile); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", cfgFile, err)
		}
	}
	if verbose {
		_ = os.Setenv("LOG_LEVEL", "debug")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := observability.LoggerForService(service)
	SetLogger(log)
	slog.SetDefault(log)

	rt := &runtime{
		service:  service,
		cfg:      cfg,
		logger:   log,
		metrics:  observability.NewInMemoryMetrics(),
		health:   observability.NewHealthRegistry(),
		registry: eventbus.NewConsumerRegistry(log),
	}

	if cfg.BrokerDriver == "dapr" {
		rt.health.Register("sidecar", observability.SidecarHealthChecker(cfg.DaprBaseURL(), nil))
	}

	log.Info("starting service",
		"broker_driver", cfg.BrokerDriver,
		"env", cfg.AppEnv,
	)
	return rt, nil
}

// onClose registers a cleanup to run during closeAll, last in first out.
func (rt *runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// closeAll releases everything the runtime opened.
func (rt *runtime) closeAll() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// databases holds whichever backend DATABASE_URL selected. Exactly one
// field is set.
type databases struct {
	Driver database.Driver
	Pg     *pgxpool.Pool
	Lite   *sql.DB
}

// dbAccess selects how a command uses the database at startup.
type dbAccess int

const (
	// dbReadOnly connects without applying migrations; the tables
	// belong to another service.
	dbReadOnly dbAccess = iota
	// dbMigrate applies this module's migrations when the database is
	// reachable and defers them with a warning when it is not.
	dbMigrate
	// dbMigrateStrict treats an unreachable database as fatal. Only
	// the migrate command wants this.
	dbMigrateStrict
)

// openDatabase connects to the configured database and registers the
// database health check. An unreachable Postgres server is not fatal
// outside dbMigrateStrict: the service starts, the health check keeps
// readiness red until the server returns, and the lazy pool reconnects
// on its own. A URL pgx cannot parse still fails, as does any SQLite
// problem; the file either opens or it never will.
func (rt *runtime) openDatabase(ctx context.Context, access dbAccess) (*databases, error) {
	driver := database.DetectDriver(rt.cfg.DatabaseURL)

	switch driver {
	case database.DriverPostgres:
		pool, err := database.OpenPostgres(ctx, rt.cfg.DatabaseURL, pgMaxConns)
		if err != nil {
			return nil, err
		}

		pingCtx, cancel := context.WithTimeout(ctx, startupPingBudget)
		defer cancel()
		pingErr := pool.Ping(pingCtx)

		switch {
		case pingErr != nil && access == dbMigrateStrict:
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", pingErr)
		case pingErr != nil:
			rt.logger.Error("database unreachable, starting degraded",
				"error", pingErr,
				"hint", "apply schema with the migrate command once the database is back",
			)
		case access != dbReadOnly:
			if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}

		rt.onClose(pool.Close)
		rt.health.Register("database", observability.DatabaseHealthChecker(pool.Ping))
		if pingErr == nil {
			rt.logger.Info("database ready", "driver", driver.String())
		}
		return &databases{Driver: driver, Pg: pool}, nil

	case database.DriverSQLite:
		db, err := database.OpenSQLite(ctx, rt.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if access != dbReadOnly {
			if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		rt.onClose(func() { _ = db.Close() })
		rt.health.Register("database", observability.DatabaseHealthChecker(db.PingContext))
		rt.logger.Info("database ready", "driver", driver.String())
		return &databases{Driver: driver, Lite: db}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// dedupGuard returns the event dedup guard: Redis-backed when REDIS_URL
// is set, in-memory otherwise.
func (rt *runtime) dedupGuard(ctx context.Context) (dedup.Guard, error) {
	if rt.cfg.RedisURL == "" {
		rt.logger.Info("dedup guard: in-memory")
		return dedup.NewMemoryGuard(0), nil
	}

	opts, err := redis.ParseURL(rt.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, startupPingBudget)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	rt.onClose(func() { _ = client.Close() })
	rt.health.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	rt.logger.Info("dedup guard: redis")
	return dedup.NewRedisGuard(client, rt.service, 0), nil
}

// buildBus returns the publish transport for the configured broker
// driver. In development a missing RabbitMQ broker degrades to the noop
// publisher, matching local runs without infrastructure.
func (rt *runtime) buildBus(_ context.Context) (eventbus.Publisher, error) {
	switch rt.cfg.BrokerDriver {
	case "dapr":
		pub := eventbus.NewDaprPublisher(rt.cfg.DaprBaseURL(), rt.cfg.PubsubName, rt.logger)
		rt.onClose(func() { _ = pub.Close() })
		return pub, nil

	case "rabbitmq":
		pub, err := eventbus.NewRabbitMQPublisher(rt.cfg.RabbitMQURL, rt.logger)
		if err != nil {
			if rt.cfg.IsDevelopment() {
				rt.logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
				return eventbus.NewNoopPublisher(rt.logger), nil
			}
			return nil, err
		}
		rt.onClose(func() { _ = pub.Close() })
		rt.health.Register("broker", observability.RabbitMQHealthChecker(pub.Ping))
		return pub, nil

	default:
		return eventbus.NewNoopPublisher(rt.logger), nil
	}
}

// startIngress registers the given consumers and, for the RabbitMQ
// driver, starts the broker subscription. Dapr deliveries arrive over
// HTTP instead, so the registry alone is enough there.
func (rt *runtime) startIngress(ctx context.Context, consumers ...eventbus.EventConsumer) error {
	if rt.cfg.BrokerDriver != "rabbitmq" {
		for _, c := range consumers {
			rt.registry.Register(c)
		}
		return nil
	}

	rabbit, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
		URL:       rt.cfg.RabbitMQURL,
		QueueName: "taskfabric." + rt.service,
		Logger:    rt.logger,
		Metrics:   rt.metrics,
	}, rt.registry)
	if err != nil {
		if rt.cfg.IsDevelopment() {
			rt.logger.Warn("RabbitMQ not available, events arrive over HTTP only", "error", err)
			for _, c := range consumers {
				rt.registry.Register(c)
			}
			return nil
		}
		return err
	}

	for _, c := range consumers {
		rabbit.RegisterConsumer(c)
	}

	rt.rabbit = rabbit
	rt.onClose(func() { _ = rabbit.Close() })
	rt.health.Register("broker", observability.RabbitMQHealthChecker(rabbit.Ping))

	go func() {
		if err := rabbit.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("broker consumer stopped", "error", err)
		}
	}()
	return nil
}

// serve runs the HTTP server until ctx is cancelled, then shuts it down
// within SHUTDOWN_TIMEOUT and runs the given stop functions in order.
func (rt *runtime) serve(ctx context.Context, server *api.Server, stops ...func()) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down", "timeout", rt.cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("http shutdown error", "error", err)
	}

	for _, stop := range stops {
		stop()
	}

	rt.logger.Info("service stopped")
	return nil
}

// signalContext derives a context that is cancelled by SIGINT or
// SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

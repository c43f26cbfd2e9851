// Package main is the unified entry point for Taskfleet. A single binary
// runs the trigger API, the schedule scanner and dispatcher, the actor
// runtime, and the WebSocket event gateway over shared infrastructure.
// Backends are selected by configuration: the schedule store by
// database.driver, the broker by nats.url, and the reference registry and
// control store by redis.addr; when unset, everything runs in-process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskfleet/taskfleet/internal/actor"
	"github.com/taskfleet/taskfleet/internal/broker"
	"github.com/taskfleet/taskfleet/internal/common/config"
	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/common/tracing"
	"github.com/taskfleet/taskfleet/internal/connector"
	"github.com/taskfleet/taskfleet/internal/control"
	"github.com/taskfleet/taskfleet/internal/db"
	"github.com/taskfleet/taskfleet/internal/events"
	"github.com/taskfleet/taskfleet/internal/executor"
	"github.com/taskfleet/taskfleet/internal/gateway"
	"github.com/taskfleet/taskfleet/internal/httpapi"
	"github.com/taskfleet/taskfleet/internal/lifecycle"
	"github.com/taskfleet/taskfleet/internal/plan"
	"github.com/taskfleet/taskfleet/internal/registry"
	"github.com/taskfleet/taskfleet/internal/schedule/dispatcher"
	"github.com/taskfleet/taskfleet/internal/schedule/scanner"
	"github.com/taskfleet/taskfleet/internal/schedule/scheduler"
	"github.com/taskfleet/taskfleet/internal/schedule/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Taskfleet...",
		zap.String("database", cfg.Database.Driver),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Schedule store
	st, pool, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to open schedule store", zap.Error(err))
	}

	// 4. Broker
	var br broker.Broker
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBroker, err := broker.NewNATSBroker(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		br = natsBroker
	} else {
		log.Info("Using in-memory broker")
		br = broker.NewMemoryBroker(log)
	}

	// 5. Reference registry and control signal store
	var reg registry.Registry
	var ctl control.Store
	if cfg.Redis.Addr != "" {
		log.Info("Connecting to Redis...", zap.String("addr", cfg.Redis.Addr))
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		reg = registry.NewFallbackRegistry(registry.NewRedisRegistry(client, log), log)
		ctl = control.NewRedisStore(client)
	} else {
		log.Info("Using in-memory registry and control store")
		reg = registry.NewMemoryRegistry()
		ctl = control.NewMemoryStore()
	}

	// 6. Event bus and scheduling services
	bus := events.NewBus(log)
	sched := scheduler.New(st, log)
	service := lifecycle.New(st, sched, ctl, br, bus, log)

	// 7. Connectors
	connectors := connector.NewRegistry()
	connectors.Register(connector.NewEchoConnector())
	connectors.Register(connector.NewHTTPConnector())

	// 8. Actor runtime: router -> session -> agent -> leaf
	sys := actor.NewSystem(log, cfg.Actor.MailboxSize)

	tenantID := cfg.Actor.TenantID
	if tenantID == "" {
		tenantID = executor.DefaultTenant
	}
	newLeaf := func() actor.Actor {
		return actor.NewLeaf(connectors, ctl, bus, log)
	}
	newSession := func(router *actor.Ref) actor.Actor {
		newAgent := func(session *actor.Ref) actor.Actor {
			return actor.NewAgent(actor.AgentDeps{
				Router:     router,
				AgentID:    "default",
				TenantID:   tenantID,
				Classifier: plan.NewRuleClassifier(),
				Planner:    plan.NewContentPlanner(),
				Oracle:     plan.NewDefaultOracle(),
				Control:    ctl,
				Bus:        bus,
				NewLeaf:    newLeaf,
				Logger:     log,
			})
		}
		return actor.NewSession(router, newAgent, cfg.Registry.HeartbeatIntervalDuration(), log)
	}
	router := sys.Spawn("router", actor.NewRouter(reg, cfg.Registry.TTLDuration(), newSession, log))

	// 9. Execution pipeline: scanner -> dispatcher -> executor
	exec := executor.New(sys, router, st, br, log)
	if err := exec.Start(); err != nil {
		log.Fatal("Failed to start executor", zap.Error(err))
	}

	disp := dispatcher.New(st, br, sched, exec, bus, log)
	if err := disp.Start(); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}

	scan := scanner.New(st, br, service, scanner.Config{
		ScanInterval: cfg.Scheduler.ScanIntervalDuration(),
		BatchSize:    cfg.Scheduler.ScanBatchSize,
		CronLookback: time.Duration(cfg.Scheduler.CronLookback) * time.Hour,
	}, log)
	scan.Start(ctx)

	sweeper := lifecycle.NewSweeper(st, 0, 0, log)
	sweeper.Start(ctx)

	// 10. HTTP API and WebSocket event gateway on one listener
	api := httpapi.New(service, br, log)
	gw := gateway.New(bus, log)
	gw.Register(api.Engine())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.Start(addr)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})

	log.Info("Taskfleet started",
		zap.String("http", addr),
		zap.String("websocket", "/ws/events"))

	if err := group.Wait(); err != nil {
		log.Error("Server exited with error", zap.Error(err))
	}

	log.Info("Shutting down Taskfleet...")

	scan.Stop()
	disp.Stop()
	exec.Stop()
	sweeper.Stop()
	gw.Close()
	sys.Shutdown()
	br.Close()

	if err := st.Close(); err != nil {
		log.Error("Store close error", zap.Error(err))
	}
	if pool != nil {
		if err := pool.Close(); err != nil {
			log.Error("Database close error", zap.Error(err))
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Taskfleet stopped")
}

// openStore builds the schedule store for the configured driver. The returned
// pool is non-nil only for SQL backends; the caller closes it after the store.
func openStore(cfg *config.Config, log *logger.Logger) (store.Store, *db.Pool, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		log.Info("Using in-memory schedule store")
		return store.NewMemoryStore(), nil, nil

	case "sqlite":
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
		st, err := store.NewSQLStore(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		log.Info("SQLite schedule store initialized", zap.String("path", cfg.Database.Path))
		return st, pool, nil

	case "postgres":
		sqlDB, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		// A single pgx pool serves both roles; the writer/reader split only
		// matters for SQLite's single-writer model.
		shared := sqlx.NewDb(sqlDB, "pgx")
		pool := db.NewPool(shared, shared)
		st, err := store.NewSQLStore(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		log.Info("PostgreSQL schedule store initialized",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
		return st, pool, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

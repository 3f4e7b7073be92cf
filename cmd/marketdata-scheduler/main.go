package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/marketdata/internal/api"
	"github.com/Checker-Finance/marketdata/internal/intake"
	"github.com/Checker-Finance/marketdata/internal/jobs"
	"github.com/Checker-Finance/marketdata/internal/ledger"
	"github.com/Checker-Finance/marketdata/internal/properties"
	"github.com/Checker-Finance/marketdata/internal/publisher"
	"github.com/Checker-Finance/marketdata/internal/reconcile"
	"github.com/Checker-Finance/marketdata/internal/scheduler"
	intsecrets "github.com/Checker-Finance/marketdata/internal/secrets"
	"github.com/Checker-Finance/marketdata/internal/store"
	"github.com/Checker-Finance/marketdata/pkg/config"
	"github.com/Checker-Finance/marketdata/pkg/logger"
	pkgsecrets "github.com/Checker-Finance/marketdata/pkg/secrets"
	"github.com/Checker-Finance/marketdata/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [marketdata-scheduler]...")

	// --- Database URL (optionally from AWS Secrets Manager) ---
	dbURL := cfg.DatabaseURL
	if cfg.DBSecretID != "" {
		awsProvider, err := pkgsecrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to init AWS provider", "error", err)
		}
		resolver := intsecrets.NewDBResolver(
			logger.Named("secrets"),
			awsProvider,
			pkgsecrets.NewCache[intsecrets.DBCredentials](cfg.CacheTTL),
		)
		dbURL, err = resolver.ResolveURL(ctx, cfg.DBSecretID)
		if err != nil {
			logg.Fatalw("failed to resolve database credentials", "error", err)
		}
	}
	logg.Info("connection to DSN: ", utils.MaskDSN(dbURL))

	// --- Store (Postgres, plus Redis for the redis scheduling backend) ---
	var redisCfg *store.RedisConfig
	if cfg.SchedulerBackend == config.BackendRedis {
		redisCfg = &store.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPass}
	}
	st, err := store.New(ctx, dbURL, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, redisCfg, logger.Named("store"))
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}
	defer st.Close() //nolint:errcheck

	if cfg.DBAutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			logg.Fatalw("failed to apply schema", "error", err)
		}
		logg.Info("schema applied")
	}

	properties.Init(properties.NewPGSource(st.PG), logger.Named("properties"))

	// --- Publisher (optional) ---
	var (
		nc  *nats.Conn
		pub *publisher.Publisher
	)
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		defer nc.Drain() //nolint:errcheck

		pub, err = publisher.New(nc, cfg.NATSStream, cfg.EventSubject, cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
	} else {
		logg.Warn("NATS_URL not set; event publishing disabled")
	}

	// --- Scheduling ledger ---
	var backend scheduler.Backend
	switch cfg.SchedulerBackend {
	case config.BackendRedis:
		backend = scheduler.NewRedisLedger(st.Redis, cfg.RedisScheduleKey)
	case config.BackendPostgres:
		backend = ledger.NewInstruments(st.PG)
	default:
		logg.Fatalw("unknown scheduler backend", "backend", cfg.SchedulerBackend)
	}
	schedOpts := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}
	engineOpts := []reconcile.Option{reconcile.WithLogger(logger.Named("reconcile"))}
	if pub != nil {
		schedOpts = append(schedOpts, scheduler.WithNotifier(pub))
		engineOpts = append(engineOpts, reconcile.WithNotifier(pub))
	}
	sched := scheduler.New(backend, cfg.SchedulerBackend, schedOpts...)

	// --- Reconciliation engine ---
	engine := reconcile.New(ledger.NewOrders(st), engineOpts...)

	// --- HTTP API ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	app.Use(recover.New())

	h := api.NewSchedulerHandler(logger.Named("api"), sched, engine)
	api.RegisterRoutes(app, nc, st, h)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- AMQP batch intake (optional) ---
	if cfg.AMQPURL != "" {
		consumer, err := intake.NewConsumer(cfg.AMQPURL, cfg.AMQPBatchQueue, cfg.AMQPPrefetch, engine, logger.Named("intake"))
		if err != nil {
			logg.Fatalw("failed to init batch consumer", "error", err)
		}
		defer consumer.Close() //nolint:errcheck
		if err := consumer.Start(ctx); err != nil {
			logg.Fatalw("failed to start batch consumer", "error", err)
		}
	}

	// --- Backlog reporter ---
	reporter := jobs.NewBacklogReporter(
		logger.Named("jobs"),
		sched,
		func(ctx context.Context) (int64, error) { return ledger.LiveOrders(ctx, st.PG) },
		cfg.BacklogInterval,
	)
	go reporter.Start(ctx)

	// --- Main process stays alive until interrupted ---
	logg.Infow("[marketdata-scheduler] running",
		"backend", cfg.SchedulerBackend,
		"nats", cfg.NATSURL != "",
		"amqp", cfg.AMQPURL != "")

	<-ctx.Done()
	stop()
	logg.Info("shutting down [marketdata-scheduler]...")
	reporter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.ShutdownWithContext(shutdownCtx) //nolint:errcheck
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Checker-Finance/marketdata/internal/esi"
	"github.com/Checker-Finance/marketdata/internal/httpclient"
	"github.com/Checker-Finance/marketdata/internal/rate"
	"github.com/Checker-Finance/marketdata/internal/schedclient"
	"github.com/Checker-Finance/marketdata/internal/worker"
	"github.com/Checker-Finance/marketdata/pkg/config"
	"github.com/Checker-Finance/marketdata/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := config.Load()

	logger.Init("marketdata-worker", cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [marketdata-worker]...")

	// --- Rate limiter (shared by the market source and scheduler clients) ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.SourceRatePerSec,
		Burst:             cfg.SourceRateBurst,
	})
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	// --- Market source ---
	source := esi.NewClient(
		cfg.MarketSourceURL,
		"marketdata-worker/"+cfg.Env,
		httpclient.New(logger.Named("esi.http"), rateMgr, httpClient, cfg.HTTPRetryMax, "esi", esi.ErrorHandler),
		logger.Named("esi"),
	)

	// --- Scheduler service client ---
	sched := schedclient.New(
		cfg.SchedulerURL,
		httpclient.New(logger.Named("scheduler.http"), rateMgr, httpClient, cfg.SchedulerRetryMax, "scheduler", schedclient.ErrorHandler),
	)

	pool := worker.NewPool(logger.Named("worker"), sched, source, cfg.Workers, cfg.IdleBackoff)
	pool.Start(ctx)

	logg.Infow("[marketdata-worker] running",
		"workers", cfg.Workers,
		"scheduler", cfg.SchedulerURL,
		"source", cfg.MarketSourceURL)

	<-ctx.Done()
	stop()
	logg.Info("shutting down [marketdata-worker]...")
	pool.Stop()
}

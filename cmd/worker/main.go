package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/openitem/internal/app"
	jobmetrics "github.com/odyssey-erp/openitem/internal/jobs"
	"github.com/odyssey-erp/openitem/internal/ledger"
	"github.com/odyssey-erp/openitem/internal/observability"
	"github.com/odyssey-erp/openitem/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	if cfg.StoreDriver != app.StorePostgres || cfg.RedisAddr == "" {
		logger.Error("worker requires STORE_DRIVER=postgres and REDIS_ADDR")
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	ledgers, err := app.BuildLedgers(ctx, cfg, logger, metrics.Registerer())
	if err != nil {
		logger.Error("build ledgers", slog.Any("error", err))
		os.Exit(1)
	}
	defer ledgers.Close()

	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	overdueSources := make(map[ledger.Direction]jobs.OverdueSource, len(ledgers.Services))
	statsSources := make(map[ledger.Direction]jobs.StatsSource, len(ledgers.Services))
	for d, svc := range ledgers.Services {
		overdueSources[d] = svc
		statsSources[d] = svc
	}
	overdueJob := &jobs.OverdueScanJob{
		Sources:  overdueSources,
		Recorder: ledgers.Metrics,
		Logger:   logger,
		Metrics:  jobMetrics,
	}
	warmupJob := &jobs.StatsWarmupJob{
		Sources: statsSources,
		Logger:  logger,
		Metrics: jobMetrics,
	}

	overdueTask, err := jobs.NewOverdueScanTask(jobs.LedgerPayload{})
	if err != nil {
		logger.Error("build overdue task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewStatsWarmupTask(jobs.LedgerPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerOverdueScan, Handler: overdueJob.Handle},
			{Type: jobs.TaskLedgerStatsWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueScanCron, Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.StatsWarmupCron, Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

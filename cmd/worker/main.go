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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/invoicing/internal/app"
	"github.com/odyssey-erp/invoicing/internal/invoicing"
	"github.com/odyssey-erp/invoicing/internal/observability"
	"github.com/odyssey-erp/invoicing/internal/platform/cache"
	"github.com/odyssey-erp/invoicing/internal/platform/db"
	"github.com/odyssey-erp/invoicing/internal/shared"
	"github.com/odyssey-erp/invoicing/jobs"
)

func main() {
	_ = godotenv.Load()

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

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The overdue sweep mutates invoices, so it must share the API's lock
	// backend when that backend is redis.
	var locker invoicing.Locker
	if cfg.LockBackend == app.LockBackendRedis {
		var redisClient *redis.Client
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		locker = invoicing.NewRedisLocker(redisClient, cfg.LockTTL)
	}

	metrics := observability.NewMetrics()
	idempotency := shared.NewIdempotencyStore(pool)
	service := invoicing.NewService(
		invoicing.NewRepository(pool),
		locker,
		shared.NewAuditLogger(pool),
		idempotency,
		logger,
		invoicing.ServiceConfig{DueDays: cfg.InvoiceDueDays},
	)
	service.SetMetrics(metrics)

	overdueJob := jobs.NewOverdueSweepJob(service, logger, metrics.Jobs())
	ledgerJob := jobs.NewLedgerIntegrityJob(service, logger, metrics.Jobs())
	cleanupJob := jobs.NewIdempotencyCleanupJob(idempotency, logger, metrics.Jobs())

	overdueTask, err := jobs.NewOverdueSweepTask(time.Time{})
	if err != nil {
		logger.Error("build overdue sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build idempotency cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOverdueSweep, Handler: overdueJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: ledgerJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueSweepCron, Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.LedgerIntegrityCron, Task: jobs.NewLedgerIntegrityTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.IdempotencyCleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
		logger.Info("starting worker metrics server", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics server", slog.Any("error", err))
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

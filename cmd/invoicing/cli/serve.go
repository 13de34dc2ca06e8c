package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/invoicing/internal/app"
	"github.com/odyssey-erp/invoicing/internal/invoicing"
	invoicinghttp "github.com/odyssey-erp/invoicing/internal/invoicing/http"
	"github.com/odyssey-erp/invoicing/internal/observability"
	"github.com/odyssey-erp/invoicing/internal/platform/cache"
	"github.com/odyssey-erp/invoicing/internal/platform/db"
	"github.com/odyssey-erp/invoicing/internal/shared"
	"github.com/odyssey-erp/invoicing/jobs"
	"github.com/odyssey-erp/invoicing/migrations"
)

// ServeOptions tunes the serve command.
type ServeOptions struct {
	// Migrate applies pending migrations before accepting traffic.
	Migrate bool
}

// Serve runs the HTTP API until ctx is cancelled.
func Serve(ctx context.Context, cfg *app.Config, logger *slog.Logger, opts ServeOptions) error {
	if opts.Migrate {
		if err := migrateUp(cfg, logger); err != nil {
			return err
		}
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	checks := map[string]app.HealthChecker{"postgres": pool}
	locker, closeLocker, err := newLocker(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer closeLocker()

	metrics := observability.NewMetrics()
	service := invoicing.NewService(
		invoicing.NewRepository(pool),
		locker,
		shared.NewAuditLogger(pool),
		shared.NewIdempotencyStore(pool),
		logger,
		invoicing.ServiceConfig{DueDays: cfg.InvoiceDueDays},
	)
	service.SetMetrics(metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InvoicingHandler: invoicinghttp.NewHandler(logger, service),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
		Checks:           checks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}
	return runHTTPServer(ctx, server, logger)
}

// newLocker picks the PO lock backend. The redis backend is required when
// more than one API replica serves writes.
func newLocker(ctx context.Context, cfg *app.Config, checks map[string]app.HealthChecker) (invoicing.Locker, func(), error) {
	if cfg.LockBackend != app.LockBackendRedis {
		return invoicing.NewLocalLocker(), func() {}, nil
	}
	client, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	checks["redis"] = cache.Pinger{Client: client}
	return invoicing.NewRedisLocker(client, cfg.LockTTL), func() { _ = client.Close() }, nil
}

func runHTTPServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down", slog.String("addr", server.Addr))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func migrateUp(cfg *app.Config, logger *slog.Logger) error {
	m, err := db.NewMigrator(migrations.FS, cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("migrator close", slog.Any("error", err))
		}
	}()
	return m.Up()
}

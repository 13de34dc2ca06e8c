package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/invoicing/internal/jobs"
)

const defaultIdempotencyRetention = 7 * 24 * time.Hour

// IdempotencyCleaner deletes keys older than the retention window.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob purges stale idempotency keys.
type IdempotencyCleanupJob struct {
	Store   IdempotencyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(store IdempotencyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle deletes expired keys.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Retention <= 0 {
		payload.Retention = defaultIdempotencyRetention
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskIdempotencyCleanup)
	logger := jobLogger(j.Logger, TaskIdempotencyCleanup).With(slog.Duration("retention", payload.Retention))

	deleted, err := j.Store.Cleanup(ctx, payload.Retention)
	if err != nil {
		logger.Error("idempotency cleanup failed", slog.Any("error", err))
		return tracker.End(err)
	}
	metrics.AddItems(TaskIdempotencyCleanup, "deleted", int(deleted))
	logger.Info("idempotency cleanup completed", slog.Int64("deleted", deleted))
	return tracker.End(nil)
}

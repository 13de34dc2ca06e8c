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

// OverdueMarker flags invoices past due.
type OverdueMarker interface {
	MarkOverdue(ctx context.Context, asOf time.Time) (int, error)
}

// OverdueSweepJob runs the overdue sweep on a schedule.
type OverdueSweepJob struct {
	Service OverdueMarker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueSweepJob initialises the overdue sweep handler.
func NewOverdueSweepJob(service OverdueMarker, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueSweepJob {
	return &OverdueSweepJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep.
func (j *OverdueSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}

	tracker := j.metrics().Track(TaskOverdueSweep)
	logger := jobLogger(j.Logger, TaskOverdueSweep).With(slog.Time("as_of", asOf))

	changed, err := j.Service.MarkOverdue(ctx, asOf)
	j.metrics().AddItems(TaskOverdueSweep, "marked_overdue", changed)
	if err != nil {
		logger.Error("overdue sweep failed", slog.Int("marked", changed), slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("overdue sweep completed", slog.Int("marked", changed))
	return tracker.End(nil)
}

func (j *OverdueSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *OverdueSweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}

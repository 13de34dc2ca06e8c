package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/invoicing/internal/invoicing"
	jobmetrics "github.com/odyssey-erp/invoicing/internal/jobs"
)

// LedgerChecker re-derives PO balances from stored invoices.
type LedgerChecker interface {
	CheckLedgerIntegrity(ctx context.Context) ([]*invoicing.LedgerConsistencyError, error)
}

// LedgerIntegrityJob scans every invoiced PO for over-invoiced lines.
type LedgerIntegrityJob struct {
	Service LedgerChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity handler.
func NewLedgerIntegrityJob(service LedgerChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle runs the scan. Violations are logged and counted; they do not fail
// the task since retrying would not repair stored data.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskLedgerIntegrity)
	logger := jobLogger(j.Logger, TaskLedgerIntegrity)

	violations, err := j.Service.CheckLedgerIntegrity(ctx)
	for _, v := range violations {
		logger.Error("ledger consistency violation",
			slog.Int64("po_id", v.POID),
			slog.Int64("po_item_id", v.POItemID),
			slog.String("ordered", v.Ordered.String()),
			slog.String("invoiced", v.Invoiced.String()),
		)
	}
	metrics.AddItems(TaskLedgerIntegrity, "violations", len(violations))
	if err != nil {
		logger.Error("ledger integrity scan failed", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("ledger integrity scan completed", slog.Int("violations", len(violations)))
	return tracker.End(nil)
}

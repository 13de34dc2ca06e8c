package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/invoicing/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverdueSweep moves sent invoices past their due date to OVERDUE.
	TaskOverdueSweep = "invoice:overdue_sweep"
	// TaskLedgerIntegrity re-derives every PO balance and reports violations.
	TaskLedgerIntegrity = "invoice:ledger_integrity"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OverdueSweepPayload optionally pins the sweep reference time.
type OverdueSweepPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// IdempotencyCleanupPayload carries how long keys are retained.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewOverdueSweepTask builds an overdue sweep task. A zero asOf means "now"
// at execution time.
func NewOverdueSweepTask(asOf time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(OverdueSweepPayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueSweep, data), nil
}

// NewLedgerIntegrityTask builds a ledger integrity task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, []byte("{}"))
}

// NewIdempotencyCleanupTask builds a cleanup task for keys older than retention.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// NewTask builds a task by name with default payload. Unknown names report false.
func NewTask(name string, retention time.Duration) (*asynq.Task, bool, error) {
	switch name {
	case TaskOverdueSweep:
		task, err := NewOverdueSweepTask(time.Time{})
		return task, true, err
	case TaskLedgerIntegrity:
		return NewLedgerIntegrityTask(), true, nil
	case TaskIdempotencyCleanup:
		task, err := NewIdempotencyCleanupTask(retention)
		return task, true, err
	default:
		return nil, false, nil
	}
}

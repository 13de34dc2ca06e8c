package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/invoicing/jobs"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    taskEnqueuer
	inspector queueInspector
	retention time.Duration
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
// retention is passed to manually triggered idempotency cleanups.
func NewJobsCLI(redisAddr string, retention time.Duration) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts), retention: retention}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// Trigger enqueues a supported job by name with default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, ok, err := jobs.NewTask(name, c.retention)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault), asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// CommandIO carries output streams for command helpers.
type CommandIO struct {
	Stdout     io.Writer
	Stderr     io.Writer
	JSONOutput bool
}

func (o *CommandIO) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

// TriggerCommand enqueues name and prints the task id. It returns the process
// exit code.
func (c *JobsCLI) TriggerCommand(ctx context.Context, name string, out CommandIO) int {
	out.defaults()
	info, err := c.Trigger(ctx, name)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "jobs trigger: %v\n", err)
		return 1
	}
	if out.JSONOutput {
		if err := json.NewEncoder(out.Stdout).Encode(map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue}); err != nil {
			_, _ = fmt.Fprintf(out.Stderr, "jobs trigger: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(out.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return 0
}

// StatsCommand prints queue statistics.
func (c *JobsCLI) StatsCommand(ctx context.Context, out CommandIO) int {
	out.defaults()
	stats, err := c.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "jobs stats: %v\n", err)
		return 1
	}
	if out.JSONOutput {
		if err := json.NewEncoder(out.Stdout).Encode(stats); err != nil {
			_, _ = fmt.Fprintf(out.Stderr, "jobs stats: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(out.Stdout, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	return 0
}

// ScheduledCommand lists upcoming scheduled tasks.
func (c *JobsCLI) ScheduledCommand(ctx context.Context, size int, out CommandIO) int {
	out.defaults()
	tasks, err := c.ListScheduled(ctx, size)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "jobs scheduled: %v\n", err)
		return 1
	}
	if len(tasks) == 0 {
		_, _ = fmt.Fprintln(out.Stdout, "no scheduled tasks")
		return 0
	}
	for _, t := range tasks {
		_, _ = fmt.Fprintf(out.Stdout, "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format(time.RFC3339))
	}
	return 0
}

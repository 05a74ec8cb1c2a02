package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/aledz7/df-graficas-sub014/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// BuildTask turns a task name and its arguments into an Asynq task.
// stock:sync takes product ids; serviceorder:sync takes an optional order
// code and sweeps every pending order without one.
func BuildTask(name string, args ...string) (*asynq.Task, error) {
	switch name {
	case jobs.TaskStockSync:
		ids := make([]int64, 0, len(args))
		for _, raw := range args {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("jobs cli: invalid product id %q", raw)
			}
			ids = append(ids, id)
		}
		return jobs.NewStockSyncTask(ids)
	case jobs.TaskOrderSync:
		code := ""
		if len(args) > 0 {
			code = args[0]
		}
		return jobs.NewOrderSyncTask(code)
	}
	return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, args ...string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := BuildTask(name, args...)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current state of one queue.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueues reports every queue the worker consumes, by name.
func (c *JobsCLI) InspectQueues(ctx context.Context) ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	names := make([]string, 0, len(jobs.QueueWeights))
	for name := range jobs.QueueWeights {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]QueueStats, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		switch {
		case errors.Is(err, asynq.ErrQueueNotFound):
		case err != nil:
			return nil, fmt.Errorf("jobs cli: inspect %s: %w", name, err)
		default:
			stats.Pending = info.Pending
			stats.Active = info.Active
			stats.Scheduled = info.Scheduled
			stats.Retry = info.Retry
		}
		out = append(out, stats)
	}
	return out, nil
}

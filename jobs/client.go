package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

const (
	syncMaxRetry    = 10
	sweepUniqueness = time.Minute
)

// Client enqueues sync tasks. It satisfies the inventory sync queue port.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// EnqueueStockSync defers a push of the given products.
func (c *Client) EnqueueStockSync(ctx context.Context, productIDs []int64) error {
	task, err := NewStockSyncTask(productIDs)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.MaxRetry(syncMaxRetry))
	return err
}

// EnqueueOrderSync defers a remote save of an unsynced order. An empty code
// sweeps every pending order; a sweep already waiting absorbs the new one.
func (c *Client) EnqueueOrderSync(ctx context.Context, code string) error {
	task, err := NewOrderSyncTask(code)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.MaxRetry(syncMaxRetry)}
	if code == "" {
		opts = append(opts, asynq.Unique(sweepUniqueness))
	}
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

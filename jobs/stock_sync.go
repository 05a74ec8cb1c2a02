package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/aledz7/df-graficas-sub014/internal/jobs"
)

// ProductSyncer pushes local product state to the remote store.
type ProductSyncer interface {
	SyncProducts(ctx context.Context, ids []int64) error
}

// StockSyncJob retries product pushes that failed after a stock adjustment.
type StockSyncJob struct {
	Products ProductSyncer
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewStockSyncJob wires dependencies for the stock sync handler.
func NewStockSyncJob(products ProductSyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockSyncJob {
	return &StockSyncJob{Products: products, Logger: logger, Metrics: metrics}
}

// Handle processes TaskStockSync tasks. A failed push is returned so asynq
// retries the whole batch; pushes are idempotent.
func (j *StockSyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Products == nil {
		return errors.New("stock sync: handler not configured")
	}
	var payload StockSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("stock sync: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.ProductIDs) == 0 {
		return nil
	}

	tracker := j.Metrics.Track(TaskStockSync)
	logger := jobLogger(j.Logger, TaskStockSync).With(slog.Any("product_ids", payload.ProductIDs))

	if err := j.Products.SyncProducts(ctx, payload.ProductIDs); err != nil {
		logger.Warn("stock sync failed", slog.Any("error", err))
		j.Metrics.AddSynced(TaskStockSync, "failed", len(payload.ProductIDs))
		return tracker.End(err)
	}
	j.Metrics.AddSynced(TaskStockSync, "synced", len(payload.ProductIDs))
	logger.Info("stock synced")
	return tracker.End(nil)
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}

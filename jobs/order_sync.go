package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/aledz7/df-graficas-sub014/internal/jobs"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

// OrderSyncer reconciles locally staged orders with the remote store.
type OrderSyncer interface {
	Pending(ctx context.Context) ([]serviceorder.Order, error)
	SyncUnsynced(ctx context.Context, ref serviceorder.Ref) (*serviceorder.Order, error)
}

// OrderSyncJob pushes unsynced orders to the remote store.
type OrderSyncJob struct {
	Orders  OrderSyncer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOrderSyncJob wires dependencies for the order sync handler.
func NewOrderSyncJob(orders OrderSyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *OrderSyncJob {
	return &OrderSyncJob{Orders: orders, Logger: logger, Metrics: metrics}
}

// Handle processes TaskOrderSync tasks. Every pending order is attempted even
// when an earlier one fails; the joined error makes asynq retry the task.
func (j *OrderSyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Orders == nil {
		return errors.New("order sync: handler not configured")
	}
	var payload OrderSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("order sync: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskOrderSync)
	logger := jobLogger(j.Logger, TaskOrderSync)

	refs, err := j.targets(ctx, payload)
	if err != nil {
		logger.Error("load pending orders", slog.Any("error", err))
		return tracker.End(err)
	}

	var (
		errs   []error
		synced int
	)
	for _, ref := range refs {
		if _, err := j.Orders.SyncUnsynced(ctx, ref); err != nil {
			if errors.Is(err, serviceorder.ErrNotFound) {
				logger.Info("order vanished before sync", slog.String("code", ref.String()))
				continue
			}
			logger.Warn("order sync failed", slog.String("code", ref.String()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", ref, err))
			continue
		}
		synced++
	}
	j.Metrics.AddSynced(TaskOrderSync, "synced", synced)
	j.Metrics.AddSynced(TaskOrderSync, "failed", len(errs))
	if synced > 0 || len(errs) > 0 {
		logger.Info("order sync finished", slog.Int("synced", synced), slog.Int("failed", len(errs)))
	}
	return tracker.End(errors.Join(errs...))
}

func (j *OrderSyncJob) targets(ctx context.Context, payload OrderSyncPayload) ([]serviceorder.Ref, error) {
	if payload.Code != "" {
		return []serviceorder.Ref{serviceorder.ParseRef(payload.Code)}, nil
	}
	pending, err := j.Orders.Pending(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]serviceorder.Ref, 0, len(pending))
	for _, order := range pending {
		refs = append(refs, serviceorder.RefOf(order))
	}
	return refs, nil
}

package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aledz7/df-graficas-sub014/internal/observability"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/pricing"
	"github.com/aledz7/df-graficas-sub014/internal/shared"
)

const stockEpsilon = 1e-9

// ProductRepository is the local product collection.
type ProductRepository interface {
	Load(ctx context.Context, ids []int64) (map[int64]serviceorder.Product, error)
	Save(ctx context.Context, products []serviceorder.Product) error
	List(ctx context.Context) ([]serviceorder.Product, error)
}

// SyncQueue defers remote product pushes that failed.
type SyncQueue interface {
	EnqueueStockSync(ctx context.Context, productIDs []int64) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against applying the same batch twice.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Policy      Policy
	Queue       SyncQueue
	Audit       AuditPort
	Idempotency IdempotencyPort
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// Service applies order stock deltas.
type Service struct {
	repo        ProductRepository
	remote      RemoteProducts
	queue       SyncQueue
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     *observability.Metrics
	policy      Policy
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo ProductRepository, remote RemoteProducts, cfg ServiceConfig) *Service {
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyClamp
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		repo:        repo,
		remote:      remote,
		queue:       cfg.Queue,
		audit:       cfg.Audit,
		idempotency: cfg.Idempotency,
		metrics:     cfg.Metrics,
		policy:      policy,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Policy reports the configured shortfall policy.
func (s *Service) Policy() Policy { return s.policy }

// Products lists the local product collection.
func (s *Service) Products(ctx context.Context) ([]serviceorder.Product, error) {
	return s.repo.List(ctx)
}

// ApplyOrder debits (or returns) the stock consumed by items. The batch is
// planned and validated in full before anything is written; the failing
// product is reported as a *StockError. Remote pushes happen after the local
// write and never roll it back.
func (s *Service) ApplyOrder(ctx context.Context, items []serviceorder.LineItem, catalog pricing.Catalog, opts Options) (Result, error) {
	direction := opts.direction()
	result, err := s.applyOrder(ctx, items, catalog, opts)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.ObserveStockAdjustment(string(direction), outcome)
	return result, err
}

func (s *Service) applyOrder(ctx context.Context, items []serviceorder.LineItem, catalog pricing.Catalog, opts Options) (Result, error) {
	deltas := Plan(items, catalog, opts.IsReturn)
	if len(deltas) == 0 {
		return Result{}, nil
	}

	key := ""
	if opts.Reference != "" && s.idempotency != nil {
		key = fmt.Sprintf("stock:%s:%s", opts.direction(), opts.Reference)
		if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Result{}, fmt.Errorf("%w: %s", ErrAlreadyApplied, opts.Reference)
			}
			return Result{}, err
		}
	}
	rollbackKey := func() {
		if key != "" {
			_ = s.idempotency.Delete(context.WithoutCancel(ctx), key)
		}
	}

	ids := make([]int64, 0, len(deltas))
	seen := make(map[int64]bool, len(deltas))
	for _, d := range deltas {
		if !seen[d.ProductID] {
			seen[d.ProductID] = true
			ids = append(ids, d.ProductID)
		}
	}
	products, err := s.repo.Load(ctx, ids)
	if err != nil {
		rollbackKey()
		return Result{}, fmt.Errorf("inventory: load products: %w", err)
	}

	result := Result{Deltas: deltas}
	changed := make(map[int64]serviceorder.Product, len(ids))
	var changedOrder []int64
	for _, d := range deltas {
		product, ok := changed[d.ProductID]
		if !ok {
			product, ok = products[d.ProductID]
			if !ok {
				rollbackKey()
				return Result{}, &StockError{ProductID: d.ProductID, VariantID: d.VariantID, Err: ErrProductNotFound}
			}
			product = cloneProduct(product)
			changedOrder = append(changedOrder, d.ProductID)
		}

		current := &product.Stock
		if d.VariantID != nil {
			idx := variantIndex(product, *d.VariantID)
			if idx < 0 {
				rollbackKey()
				return Result{}, &StockError{ProductID: d.ProductID, VariantID: d.VariantID, Err: ErrVariantNotFound}
			}
			current = &product.Variants[idx].Stock
		}

		next := *current + d.Qty
		if next < -stockEpsilon {
			if s.policy == PolicyBlock {
				rollbackKey()
				return Result{}, &StockError{
					ProductID: d.ProductID,
					VariantID: d.VariantID,
					Err:       fmt.Errorf("%w: requested %.4f, available %.4f", ErrInsufficientStock, -d.Qty, *current),
				}
			}
			result.Shortfalls = append(result.Shortfalls, Shortfall{
				ProductID: d.ProductID,
				VariantID: d.VariantID,
				Requested: -d.Qty,
				Available: *current,
			})
		}
		if next < stockEpsilon {
			next = 0
		}
		*current = next
		product.UpdatedAt = s.now()
		changed[d.ProductID] = product
	}

	updated := make([]serviceorder.Product, 0, len(changedOrder))
	for _, id := range changedOrder {
		p := changed[id]
		updated = append(updated, p)
		if p.MinStock > 0 && p.Stock < p.MinStock {
			result.BelowMinimum = append(result.BelowMinimum, Alert{ProductID: p.ID, Name: p.Name, Stock: p.Stock, MinStock: p.MinStock})
		}
	}
	if err := s.repo.Save(ctx, updated); err != nil {
		rollbackKey()
		return Result{}, fmt.Errorf("inventory: save products: %w", err)
	}
	result.Products = updated

	for _, sf := range result.Shortfalls {
		s.logger.Warn("stock shortfall clamped to zero",
			slog.Int64("product_id", sf.ProductID),
			slog.Float64("requested", sf.Requested),
			slog.Float64("available", sf.Available),
			slog.String("reference", opts.Reference))
	}
	for _, a := range result.BelowMinimum {
		s.logger.Info("product below minimum stock",
			slog.Int64("product_id", a.ProductID),
			slog.Float64("stock", a.Stock),
			slog.Float64("min_stock", a.MinStock))
	}

	result.PendingSync = s.pushRemote(ctx, updated)

	if s.audit != nil {
		action := fmt.Sprintf("inventory:%s", opts.direction())
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  opts.ActorID,
			Action:   action,
			Entity:   "service_order",
			EntityID: referenceOr(opts.Reference, "adhoc"),
			Meta: map[string]any{
				"products":   len(updated),
				"shortfalls": len(result.Shortfalls),
			},
		}); err != nil {
			s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
		}
	}
	return result, nil
}

// SyncProducts pushes the local state of the given products to the remote
// store. It is the handler side of the deferred stock:sync task.
func (s *Service) SyncProducts(ctx context.Context, ids []int64) error {
	products, err := s.repo.Load(ctx, ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		p, ok := products[id]
		if !ok {
			continue
		}
		if err := s.remote.UpdateProduct(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("product %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) pushRemote(ctx context.Context, products []serviceorder.Product) []int64 {
	if s.remote == nil {
		return nil
	}
	var failed []int64
	for _, p := range products {
		if err := s.remote.UpdateProduct(ctx, p); err != nil {
			s.logger.Warn("remote product sync failed",
				slog.Int64("product_id", p.ID),
				slog.Any("error", err))
			failed = append(failed, p.ID)
		}
	}
	if len(failed) == 0 || s.queue == nil {
		return failed
	}
	if err := s.queue.EnqueueStockSync(ctx, failed); err != nil {
		s.logger.Error("enqueue stock sync", slog.Any("error", err), slog.Any("product_ids", failed))
	}
	return failed
}

func variantIndex(p serviceorder.Product, id int64) int {
	for i, v := range p.Variants {
		if v.ID == id {
			return i
		}
	}
	return -1
}

func cloneProduct(p serviceorder.Product) serviceorder.Product {
	out := p
	if p.Variants != nil {
		out.Variants = append([]serviceorder.Variant(nil), p.Variants...)
	}
	return out
}

func referenceOr(ref, fallback string) string {
	if ref == "" {
		return fallback
	}
	return ref
}

// Package lifecycle sequences the service order state transitions and their
// stock and receivable side effects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/aledz7/df-graficas-sub014/internal/ar"
	"github.com/aledz7/df-graficas-sub014/internal/inventory"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/pricing"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/reconcile"
	"github.com/aledz7/df-graficas-sub014/internal/shared"
)

// DefaultQuoteValidity is how long a saved quote stays valid.
const DefaultQuoteValidity = 15 * 24 * time.Hour

const moneyEpsilon = 0.005

// OrderStore persists orders.
type OrderStore interface {
	Load(ctx context.Context, ref serviceorder.Ref) (*serviceorder.Order, error)
	Save(ctx context.Context, order serviceorder.Order, opts reconcile.SaveOptions) (*serviceorder.Order, error)
}

// CatalogPort provides the finish catalog.
type CatalogPort interface {
	Catalog(ctx context.Context) (pricing.Catalog, error)
}

// StockPort applies stock side effects.
type StockPort interface {
	ApplyOrder(ctx context.Context, items []serviceorder.LineItem, catalog pricing.Catalog, opts inventory.Options) (inventory.Result, error)
	Products(ctx context.Context) ([]serviceorder.Product, error)
	Policy() inventory.Policy
}

// ReceivablePort creates accounts-receivable records.
type ReceivablePort interface {
	ExistsForOrder(ctx context.Context, orderCode, clientKey string) (bool, error)
	CreateFromOrder(ctx context.Context, input ar.ReceivableInput) (*ar.Receivable, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config groups optional settings.
type Config struct {
	QuoteValidity time.Duration
	Audit         AuditPort
	Logger        *slog.Logger
}

// FinalizeResult reports the persisted order and the outcome of each side
// effect. Side-effect failures do not undo the finalization.
type FinalizeResult struct {
	Order         *serviceorder.Order
	Stock         inventory.Result
	StockErr      error
	Receivable    *ar.Receivable
	ReceivableErr error
}

// Orchestrator drives the order lifecycle.
type Orchestrator struct {
	orders      OrderStore
	catalog     CatalogPort
	stock       StockPort
	receivables ReceivablePort
	audit       AuditPort
	validity    time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs the orchestrator.
func New(orders OrderStore, catalog CatalogPort, stock StockPort, receivables ReceivablePort, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	validity := cfg.QuoteValidity
	if validity <= 0 {
		validity = DefaultQuoteValidity
	}
	return &Orchestrator{
		orders:      orders,
		catalog:     catalog,
		stock:       stock,
		receivables: receivables,
		audit:       cfg.Audit,
		validity:    validity,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Quote prices an order without persisting it.
func (o *Orchestrator) Quote(ctx context.Context, order serviceorder.Order) (serviceorder.Order, error) {
	catalog, err := o.catalog.Catalog(ctx)
	if err != nil {
		return serviceorder.Order{}, fmt.Errorf("lifecycle: load catalog: %w", err)
	}
	return pricing.Reprice(order, catalog), nil
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// SaveQuote moves a draft (or an existing quote) to QUOTE_SAVED with a fresh
// validity window. Stock and receivables are untouched.
func (o *Orchestrator) SaveQuote(ctx context.Context, order serviceorder.Order, actorID int64) (*serviceorder.Order, error) {
	stored, err := o.persisted(ctx, order)
	if err != nil {
		return nil, err
	}
	status := currentStatus(order, stored)
	if status != serviceorder.StatusDraft && status != serviceorder.StatusQuoteSaved {
		return nil, fmt.Errorf("%w: cannot save %s order as quote", serviceorder.ErrInvalidTransition, status)
	}
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	priced, err := o.reprice(ctx, order, stored)
	if err != nil {
		return nil, err
	}
	if err := pricing.ValidateTotals(priced.Totals); err != nil {
		return nil, err
	}
	validUntil := o.now().Add(o.validity)
	priced.Status = serviceorder.StatusQuoteSaved
	priced.ValidUntil = &validUntil
	if priced.PaymentStatus == "" {
		priced.PaymentStatus = serviceorder.PaymentPending
	}

	saved, err := o.orders.Save(ctx, priced, reconcile.SaveOptions{ActorID: actorID})
	if err != nil {
		return nil, err
	}
	o.record(ctx, actorID, "serviceorder:quote", saved, nil)
	return saved, nil
}

// Finalize persists the order as FINALIZED with its payments, then debits
// stock, then creates at most one receivable for the unpaid or deferred
// amount. The order save completes before any side effect runs.
func (o *Orchestrator) Finalize(ctx context.Context, order serviceorder.Order, payments []serviceorder.Payment, actorID int64) (*FinalizeResult, error) {
	stored, err := o.persisted(ctx, order)
	if err != nil {
		return nil, err
	}
	switch status := currentStatus(order, stored); status {
	case serviceorder.StatusDraft, serviceorder.StatusQuoteSaved:
	case serviceorder.StatusFinalized:
		return nil, fmt.Errorf("%w: order already finalized, update it instead", serviceorder.ErrInvalidTransition)
	default:
		return nil, fmt.Errorf("%w: cannot finalize %s order", serviceorder.ErrInvalidTransition, status)
	}
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	if err := validatePayments(payments); err != nil {
		return nil, err
	}

	var (
		catalog  pricing.Catalog
		products []serviceorder.Product
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := o.catalog.Catalog(gctx)
		if err != nil {
			return fmt.Errorf("lifecycle: load catalog: %w", err)
		}
		catalog = c
		return nil
	})
	g.Go(func() error {
		if o.stock.Policy() != inventory.PolicyBlock {
			return nil
		}
		list, err := o.stock.Products(gctx)
		if err != nil {
			return fmt.Errorf("lifecycle: load products: %w", err)
		}
		products = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	priced := pricing.Reprice(withStoredSubtotals(order, stored), catalog)
	if stored != nil {
		priced.ID = stored.ID
		priced.Code = stored.Code
	}
	if err := pricing.ValidateTotals(priced.Totals); err != nil {
		return nil, err
	}
	if o.stock.Policy() == inventory.PolicyBlock {
		if short := inventory.Shortfalls(inventory.Plan(priced.Items, catalog, false), products); len(short) > 0 {
			sf := short[0]
			return nil, &inventory.StockError{
				ProductID: sf.ProductID,
				VariantID: sf.VariantID,
				Err:       fmt.Errorf("%w: requested %.4f, available %.4f", inventory.ErrInsufficientStock, sf.Requested, sf.Available),
			}
		}
	}

	now := o.now()
	priced.Status = serviceorder.StatusFinalized
	priced.FinalizedAt = &now
	priced.ValidUntil = nil
	priced.Payments = append([]serviceorder.Payment(nil), payments...)
	priced.PaymentStatus = PaymentStatusFor(priced.Totals.GrandTotal.InexactFloat64(), payments)

	saved, err := o.orders.Save(ctx, priced, reconcile.SaveOptions{ActorID: actorID})
	if err != nil {
		return nil, err
	}
	result := &FinalizeResult{Order: saved}

	result.Stock, result.StockErr = o.stock.ApplyOrder(ctx, saved.Items, catalog, inventory.Options{
		Reference: saved.Code,
		ActorID:   actorID,
	})
	if result.StockErr != nil {
		o.logger.Error("stock debit failed after finalize",
			slog.String("order", saved.Code),
			slog.Any("error", result.StockErr))
	}

	result.Receivable, result.ReceivableErr = o.createReceivable(ctx, *saved)
	if result.ReceivableErr != nil {
		o.logger.Error("receivable creation failed after finalize",
			slog.String("order", saved.Code),
			slog.Any("error", result.ReceivableErr))
	}

	o.record(ctx, actorID, "serviceorder:finalize", saved, map[string]any{
		"payment_status": string(saved.PaymentStatus),
		"stock_ok":       result.StockErr == nil,
		"receivable":     result.Receivable != nil,
	})
	return result, nil
}

// UpdateFinalized corrects a finalized order in place. The persisted copy
// decides the status, and the server-owned fields are kept from it. Stock
// and receivables are not touched again.
func (o *Orchestrator) UpdateFinalized(ctx context.Context, order serviceorder.Order, actorID int64) (*serviceorder.Order, error) {
	ref := serviceorder.RefOf(order)
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: only finalized orders can be updated in place", serviceorder.ErrInvalidTransition)
	}
	stored, err := o.orders.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if stored.Status != serviceorder.StatusFinalized {
		return nil, fmt.Errorf("%w: cannot update %s order in place", serviceorder.ErrInvalidTransition, stored.Status)
	}
	if err := validateOrder(order); err != nil {
		return nil, err
	}
	priced, err := o.reprice(ctx, order, stored)
	if err != nil {
		return nil, err
	}
	if err := pricing.ValidateTotals(priced.Totals); err != nil {
		return nil, err
	}
	priced.Status = stored.Status
	priced.FinalizedAt = stored.FinalizedAt
	priced.ValidUntil = nil
	priced.Payments = append([]serviceorder.Payment(nil), stored.Payments...)
	priced.PaymentStatus = PaymentStatusFor(priced.Totals.GrandTotal.InexactFloat64(), priced.Payments)
	saved, err := o.orders.Save(ctx, priced, reconcile.SaveOptions{ActorID: actorID})
	if err != nil {
		return nil, err
	}
	o.record(ctx, actorID, "serviceorder:update_finalized", saved, nil)
	return saved, nil
}

// MarkDelivered moves a finalized order to DELIVERED.
func (o *Orchestrator) MarkDelivered(ctx context.Context, ref serviceorder.Ref, actorID int64) (*serviceorder.Order, error) {
	order, err := o.orders.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if order.Status != serviceorder.StatusFinalized {
		return nil, fmt.Errorf("%w: cannot deliver %s order", serviceorder.ErrInvalidTransition, order.Status)
	}
	next := order.Clone()
	next.Status = serviceorder.StatusDelivered
	next.Unsynced = false
	saved, err := o.orders.Save(ctx, next, reconcile.SaveOptions{ActorID: actorID})
	if err != nil {
		return nil, err
	}
	o.record(ctx, actorID, "serviceorder:deliver", saved, nil)
	return saved, nil
}

// ReturnStock puts the stock consumed by a finalized order back.
func (o *Orchestrator) ReturnStock(ctx context.Context, ref serviceorder.Ref, actorID int64) (inventory.Result, error) {
	order, err := o.orders.Load(ctx, ref)
	if err != nil {
		return inventory.Result{}, err
	}
	if order.Status != serviceorder.StatusFinalized && order.Status != serviceorder.StatusDelivered {
		return inventory.Result{}, fmt.Errorf("%w: %s order has no stock to return", serviceorder.ErrInvalidTransition, order.Status)
	}
	catalog, err := o.catalog.Catalog(ctx)
	if err != nil {
		return inventory.Result{}, fmt.Errorf("lifecycle: load catalog: %w", err)
	}
	return o.stock.ApplyOrder(ctx, order.Items, catalog, inventory.Options{
		IsReturn:  true,
		Reference: order.Code,
		ActorID:   actorID,
	})
}

// ============================================================================
// HELPERS
// ============================================================================

// persisted loads the stored copy of an order that carries an id or code.
// An order the stores do not know yields nil.
func (o *Orchestrator) persisted(ctx context.Context, order serviceorder.Order) (*serviceorder.Order, error) {
	ref := serviceorder.RefOf(order)
	if ref.IsZero() {
		return nil, nil
	}
	stored, err := o.orders.Load(ctx, ref)
	if errors.Is(err, serviceorder.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load %s: %w", ref, err)
	}
	return stored, nil
}

// reprice prices the order against the catalog. Stored subtotals are taken
// from the persisted copy only.
func (o *Orchestrator) reprice(ctx context.Context, order serviceorder.Order, stored *serviceorder.Order) (serviceorder.Order, error) {
	priced, err := o.Quote(ctx, withStoredSubtotals(order, stored))
	if err != nil {
		return serviceorder.Order{}, err
	}
	if stored != nil {
		priced.ID = stored.ID
		priced.Code = stored.Code
	}
	return priced, nil
}

func withStoredSubtotals(order serviceorder.Order, stored *serviceorder.Order) serviceorder.Order {
	var prev []serviceorder.LineItem
	if stored != nil {
		prev = stored.Items
	}
	out := order.Clone()
	out.Items = pricing.CarryStoredSubtotals(order.Items, prev)
	return out
}

func currentStatus(order serviceorder.Order, stored *serviceorder.Order) serviceorder.Status {
	if stored != nil {
		return stored.Status
	}
	if order.Status == "" {
		return serviceorder.StatusDraft
	}
	return order.Status
}

// PaymentStatusFor derives the payment status from the settled payments.
// Deferred payments do not count as settled.
func PaymentStatusFor(grandTotal float64, payments []serviceorder.Payment) serviceorder.PaymentStatus {
	paid := settled(payments)
	switch {
	case grandTotal <= moneyEpsilon || paid >= grandTotal-moneyEpsilon:
		return serviceorder.PaymentPaid
	case paid > moneyEpsilon:
		return serviceorder.PaymentPartial
	default:
		return serviceorder.PaymentPending
	}
}

func (o *Orchestrator) createReceivable(ctx context.Context, order serviceorder.Order) (*ar.Receivable, error) {
	if o.receivables == nil {
		return nil, nil
	}
	outstanding := order.Totals.GrandTotal.InexactFloat64() - settled(order.Payments)
	if outstanding <= moneyEpsilon {
		return nil, nil
	}

	exists, err := o.receivables.ExistsForOrder(ctx, order.Code, order.ClientKey())
	if err != nil {
		return nil, fmt.Errorf("lifecycle: check receivable: %w", err)
	}
	if exists {
		o.logger.Info("receivable already exists", slog.String("order", order.Code))
		return nil, nil
	}

	input := ar.ReceivableInput{
		OrderID:    order.ID,
		OrderCode:  order.Code,
		ClientKey:  order.ClientKey(),
		ClientID:   order.ClientID,
		ClientName: order.ClientName,
		Amount:     roundCents(outstanding),
		Note:       fmt.Sprintf("Saldo da %s", order.Code),
	}
	if due := earliestDue(order.Payments); due != nil {
		input.DueAt = *due
	}
	rec, err := o.receivables.CreateFromOrder(ctx, input)
	if errors.Is(err, ar.ErrDuplicateReceivable) {
		return nil, nil
	}
	return rec, err
}

func (o *Orchestrator) record(ctx context.Context, actorID int64, action string, order *serviceorder.Order, meta map[string]any) {
	if o.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = string(order.Status)
	meta["grand_total"] = order.Totals.GrandTotal.StringFixed(2)
	if err := o.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "service_order",
		EntityID: order.Code,
		Meta:     meta,
		At:       o.now(),
	}); err != nil {
		o.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func validateOrder(order serviceorder.Order) error {
	if len(order.Items) == 0 {
		return serviceorder.Invalid("items", "order has no items")
	}
	if !order.HasClient() {
		return serviceorder.Invalid("client", "client id or name required")
	}
	return nil
}

func validatePayments(payments []serviceorder.Payment) error {
	for i, p := range payments {
		switch p.Method {
		case serviceorder.MethodCash, serviceorder.MethodCard, serviceorder.MethodPix, serviceorder.MethodCrediario:
		default:
			return serviceorder.Invalid(fmt.Sprintf("payments[%d].method", i), "unknown payment method")
		}
		if p.Amount < 0 {
			return serviceorder.Invalid(fmt.Sprintf("payments[%d].amount", i), "amount must not be negative")
		}
	}
	return nil
}

func settled(payments []serviceorder.Payment) float64 {
	var paid float64
	for _, p := range payments {
		if !p.Method.Deferred() {
			paid += p.Amount
		}
	}
	return paid
}

func earliestDue(payments []serviceorder.Payment) *time.Time {
	var due *time.Time
	for _, p := range payments {
		if !p.Method.Deferred() || p.DueDate == nil {
			continue
		}
		if due == nil || p.DueDate.Before(*due) {
			d := *p.DueDate
			due = &d
		}
	}
	return due
}

func roundCents(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

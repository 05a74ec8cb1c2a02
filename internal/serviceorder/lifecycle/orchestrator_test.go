package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledz7/df-graficas-sub014/internal/ar"
	"github.com/aledz7/df-graficas-sub014/internal/inventory"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/pricing"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/reconcile"
	"github.com/aledz7/df-graficas-sub014/internal/shared"
)

type memoryOrders struct {
	orders  map[string]serviceorder.Order
	saves   []serviceorder.Order
	saveErr error
	nextID  int64
}

func newMemoryOrders() *memoryOrders {
	return &memoryOrders{orders: make(map[string]serviceorder.Order)}
}

func (m *memoryOrders) Load(ctx context.Context, ref serviceorder.Ref) (*serviceorder.Order, error) {
	for _, o := range m.orders {
		if ref.Matches(o) {
			out := o.Clone()
			return &out, nil
		}
	}
	return nil, serviceorder.ErrNotFound
}

func (m *memoryOrders) Save(ctx context.Context, order serviceorder.Order, opts reconcile.SaveOptions) (*serviceorder.Order, error) {
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	if order.ID == 0 {
		m.nextID++
		order.ID = m.nextID
	}
	if order.Code == "" {
		order.Code = serviceorder.FormatCode(order.ID)
	}
	m.saves = append(m.saves, order.Clone())
	m.orders[order.Code] = order.Clone()
	return &order, nil
}

type staticCatalog struct {
	finishes []serviceorder.Finish
	err      error
}

func (c staticCatalog) Catalog(ctx context.Context) (pricing.Catalog, error) {
	if c.err != nil {
		return nil, c.err
	}
	return pricing.NewCatalog(c.finishes), nil
}

type stockCall struct {
	items []serviceorder.LineItem
	opts  inventory.Options
}

type fakeStock struct {
	policy   inventory.Policy
	products []serviceorder.Product
	calls    []stockCall
	err      error
}

func (f *fakeStock) ApplyOrder(ctx context.Context, items []serviceorder.LineItem, catalog pricing.Catalog, opts inventory.Options) (inventory.Result, error) {
	f.calls = append(f.calls, stockCall{items: items, opts: opts})
	if f.err != nil {
		return inventory.Result{}, f.err
	}
	return inventory.Result{Deltas: inventory.Plan(items, catalog, opts.IsReturn)}, nil
}

func (f *fakeStock) Products(ctx context.Context) ([]serviceorder.Product, error) {
	return f.products, nil
}

func (f *fakeStock) Policy() inventory.Policy {
	if f.policy == "" {
		return inventory.PolicyClamp
	}
	return f.policy
}

type memoryReceivables struct {
	list []ar.Receivable
}

func (r *memoryReceivables) CreateReceivable(ctx context.Context, input ar.ReceivableInput) (*ar.Receivable, error) {
	rec := ar.Receivable{
		ID:        int64(len(r.list) + 1),
		OrderID:   input.OrderID,
		OrderCode: input.OrderCode,
		ClientKey: input.ClientKey,
		Amount:    input.Amount,
		Status:    ar.StatusOpen,
		DueAt:     input.DueAt,
	}
	r.list = append(r.list, rec)
	return &rec, nil
}

func (r *memoryReceivables) ListReceivables(ctx context.Context, filter ar.ListFilter) ([]ar.Receivable, error) {
	var out []ar.Receivable
	for _, rec := range r.list {
		if filter.OrderCode == "" || rec.OrderCode == filter.OrderCode {
			out = append(out, rec)
		}
	}
	return out, nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type fixture struct {
	orch        *Orchestrator
	orders      *memoryOrders
	stock       *fakeStock
	receivables *memoryReceivables
	audit       *memoryAudit
	now         time.Time
}

func newFixture() *fixture {
	f := &fixture{
		orders:      newMemoryOrders(),
		stock:       &fakeStock{},
		receivables: &memoryReceivables{},
		audit:       &memoryAudit{},
		now:         time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.orch = New(f.orders, staticCatalog{}, f.stock, ar.NewService(f.receivables), Config{Audit: f.audit})
	f.orch.now = func() time.Time { return f.now }
	return f
}

func draftOrder() serviceorder.Order {
	clientID := int64(42)
	return serviceorder.Order{
		Status:     serviceorder.StatusDraft,
		ClientID:   &clientID,
		ClientName: "Papelaria Sol",
		Items: []serviceorder.LineItem{{
			Token:     "tok-1",
			ProductID: 3,
			Kind:      serviceorder.ItemByUnit,
			Unit:      &serviceorder.UnitPricing{Quantity: 5, UnitPrice: 2.5},
		}},
	}
}

func TestSaveQuote(t *testing.T) {
	f := newFixture()
	saved, err := f.orch.SaveQuote(context.Background(), draftOrder(), 7)
	require.NoError(t, err)

	assert.Equal(t, serviceorder.StatusQuoteSaved, saved.Status)
	require.NotNil(t, saved.ValidUntil)
	assert.Equal(t, f.now.Add(15*24*time.Hour), *saved.ValidUntil)
	assert.Equal(t, "12.5", saved.Totals.GrandTotal.String())
	require.NotNil(t, saved.Items[0].StoredSubtotal)
	assert.Empty(t, f.stock.calls)
	assert.Empty(t, f.receivables.list)

	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, "serviceorder:quote", f.audit.logs[0].Action)
	assert.Equal(t, int64(7), f.audit.logs[0].ActorID)
}

func TestSaveQuoteValidation(t *testing.T) {
	f := newFixture()

	empty := draftOrder()
	empty.Items = nil
	_, err := f.orch.SaveQuote(context.Background(), empty, 0)
	require.ErrorIs(t, err, serviceorder.ErrValidation)

	anonymous := draftOrder()
	anonymous.ClientID = nil
	anonymous.ClientName = "  "
	_, err = f.orch.SaveQuote(context.Background(), anonymous, 0)
	require.ErrorIs(t, err, serviceorder.ErrValidation)

	finalized := draftOrder()
	finalized.Status = serviceorder.StatusFinalized
	_, err = f.orch.SaveQuote(context.Background(), finalized, 0)
	require.ErrorIs(t, err, serviceorder.ErrInvalidTransition)

	assert.Empty(t, f.orders.saves)
}

func TestSaveQuoteRejectsNegativeTotal(t *testing.T) {
	f := newFixture()
	order := draftOrder()
	order.Discount = serviceorder.Discount{Kind: serviceorder.DiscountFixed, Value: 1000}

	_, err := f.orch.SaveQuote(context.Background(), order, 0)
	require.ErrorIs(t, err, serviceorder.ErrValidation)
	assert.Empty(t, f.orders.saves)
}

func TestSaveQuoteGatesOnPersistedStatus(t *testing.T) {
	f := newFixture()
	res, err := f.orch.Finalize(context.Background(), draftOrder(), nil, 1)
	require.NoError(t, err)

	reopened := res.Order.Clone()
	reopened.Status = serviceorder.StatusDraft
	_, err = f.orch.SaveQuote(context.Background(), reopened, 1)
	require.ErrorIs(t, err, serviceorder.ErrInvalidTransition)
	assert.Len(t, f.orders.saves, 1)
}

func TestFinalizePaidInFull(t *testing.T) {
	f := newFixture()
	res, err := f.orch.Finalize(context.Background(), draftOrder(), []serviceorder.Payment{
		{Method: serviceorder.MethodPix, Amount: 12.5},
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, serviceorder.StatusFinalized, res.Order.Status)
	assert.Equal(t, serviceorder.PaymentPaid, res.Order.PaymentStatus)
	require.NotNil(t, res.Order.FinalizedAt)
	assert.Nil(t, res.Order.ValidUntil)

	require.Len(t, f.stock.calls, 1)
	assert.Equal(t, res.Order.Code, f.stock.calls[0].opts.Reference)
	assert.False(t, f.stock.calls[0].opts.IsReturn)
	assert.NoError(t, res.StockErr)

	assert.Nil(t, res.Receivable)
	assert.Empty(t, f.receivables.list)
}

func TestFinalizePartialPaymentCreatesReceivable(t *testing.T) {
	f := newFixture()
	res, err := f.orch.Finalize(context.Background(), draftOrder(), []serviceorder.Payment{
		{Method: serviceorder.MethodCash, Amount: 5},
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, serviceorder.PaymentPartial, res.Order.PaymentStatus)
	require.NotNil(t, res.Receivable)
	assert.Equal(t, 7.5, res.Receivable.Amount)
	assert.Equal(t, "id:42", res.Receivable.ClientKey)
	assert.False(t, res.Receivable.DueAt.IsZero())
}

func TestFinalizeDeferredPaymentUsesDueDate(t *testing.T) {
	f := newFixture()
	due := f.now.Add(45 * 24 * time.Hour)
	res, err := f.orch.Finalize(context.Background(), draftOrder(), []serviceorder.Payment{
		{Method: serviceorder.MethodCrediario, Amount: 12.5, DueDate: &due},
	}, 1)
	require.NoError(t, err)

	assert.Equal(t, serviceorder.PaymentPending, res.Order.PaymentStatus)
	require.NotNil(t, res.Receivable)
	assert.Equal(t, 12.5, res.Receivable.Amount)
	assert.Equal(t, due, res.Receivable.DueAt)
}

func TestFinalizeDoesNotDuplicateReceivable(t *testing.T) {
	f := newFixture()
	order := draftOrder()
	order.Code = "OS-77"
	f.receivables.list = []ar.Receivable{{ID: 1, OrderCode: "OS-77", ClientKey: "id:42", Amount: 12.5, Status: ar.StatusOpen}}

	res, err := f.orch.Finalize(context.Background(), order, nil, 1)
	require.NoError(t, err)
	assert.NoError(t, res.ReceivableErr)
	assert.Nil(t, res.Receivable)
	assert.Len(t, f.receivables.list, 1)
}

func TestFinalizeSaveFailureSkipsSideEffects(t *testing.T) {
	f := newFixture()
	f.orders.saveErr = &serviceorder.SaveError{Op: "create", Err: serviceorder.ErrRemoteUnavailable}

	_, err := f.orch.Finalize(context.Background(), draftOrder(), nil, 1)
	var saveErr *serviceorder.SaveError
	require.ErrorAs(t, err, &saveErr)
	assert.Empty(t, f.stock.calls)
	assert.Empty(t, f.receivables.list)
}

func TestFinalizeRejectsNegativeTotal(t *testing.T) {
	f := newFixture()
	order := draftOrder()
	order.Discount = serviceorder.Discount{Kind: serviceorder.DiscountFixed, Value: 100}

	_, err := f.orch.Finalize(context.Background(), order, nil, 1)
	require.ErrorIs(t, err, serviceorder.ErrValidation)
	assert.Empty(t, f.orders.saves)
}

func TestFinalizeBlockPolicyChecksStockBeforeSaving(t *testing.T) {
	f := newFixture()
	f.stock.policy = inventory.PolicyBlock
	f.stock.products = []serviceorder.Product{{ID: 3, Stock: 2}}

	_, err := f.orch.Finalize(context.Background(), draftOrder(), nil, 1)
	var stockErr *inventory.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(3), stockErr.ProductID)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Empty(t, f.orders.saves)
	assert.Empty(t, f.stock.calls)
}

func TestFinalizeStockFailureKeepsFinalizedOrder(t *testing.T) {
	f := newFixture()
	f.stock.err = &inventory.StockError{ProductID: 3, Err: inventory.ErrProductNotFound}

	res, err := f.orch.Finalize(context.Background(), draftOrder(), nil, 1)
	require.NoError(t, err)
	require.ErrorIs(t, res.StockErr, inventory.ErrProductNotFound)
	assert.Equal(t, serviceorder.StatusFinalized, res.Order.Status)
	require.NotNil(t, res.Receivable)
}

func TestFinalizeRejectsFinalizedOrder(t *testing.T) {
	f := newFixture()
	order := draftOrder()
	order.Status = serviceorder.StatusFinalized
	_, err := f.orch.Finalize(context.Background(), order, nil, 1)
	require.ErrorIs(t, err, serviceorder.ErrInvalidTransition)
}

func TestFinalizeIgnoresCallerStoredSubtotal(t *testing.T) {
	f := newFixture()
	order := draftOrder()
	forged := decimal.NewFromFloat(0.01)
	order.Items[0].StoredSubtotal = &forged

	res, err := f.orch.Finalize(context.Background(), order, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "12.5", res.Order.Totals.GrandTotal.String())
	require.NotNil(t, res.Receivable)
	assert.Equal(t, 12.5, res.Receivable.Amount)
}

func TestFinalizeKeepsPersistedSubtotalOfUnchangedItem(t *testing.T) {
	f := newFixture()
	quote, err := f.orch.SaveQuote(context.Background(), draftOrder(), 1)
	require.NoError(t, err)

	// a legacy price agreed on the quote survives while the item is untouched
	stored := f.orders.orders[quote.Code]
	legacy := decimal.NewFromFloat(11)
	stored.Items[0].StoredSubtotal = &legacy
	f.orders.orders[quote.Code] = stored

	res, err := f.orch.Finalize(context.Background(), quote.Clone(), nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "11", res.Order.Totals.GrandTotal.String())
	assert.Equal(t, quote.ID, res.Order.ID)
}

func TestFinalizeGatesOnPersistedStatus(t *testing.T) {
	f := newFixture()
	res, err := f.orch.Finalize(context.Background(), draftOrder(), nil, 1)
	require.NoError(t, err)

	again := res.Order.Clone()
	again.Status = serviceorder.StatusQuoteSaved
	_, err = f.orch.Finalize(context.Background(), again, nil, 1)
	require.ErrorIs(t, err, serviceorder.ErrInvalidTransition)
	assert.Len(t, f.stock.calls, 1)
	assert.Len(t, f.receivables.list, 1)
}

func TestFinalizeCatalogFailure(t *testing.T) {
	f := newFixture()
	f.orch.catalog = staticCatalog{err: errors.New("catalog down")}
	_, err := f.orch.Finalize(context.Background(), draftOrder(), nil, 1)
	require.Error(t, err)
	assert.Empty(t, f.orders.saves)
}

func TestUpdateFinalizedSuppressesSideEffects(t *testing.T) {
	f := newFixture()
	res, err := f.orch.Finalize(context.Background(), draftOrder(), []serviceorder.Payment{{Method: serviceorder.MethodCash, Amount: 12.5}}, 1)
	require.NoError(t, err)
	require.Len(t, f.stock.calls, 1)

	edited := res.Order.Clone()
	edited.Notes = "entregar na recepção"
	edited.Items[0].Unit.Quantity = 6
	updated, err := f.orch.UpdateFinalized(context.Background(), edited, 1)
	require.NoError(t, err)
	assert.Equal(t, "15", updated.Totals.GrandTotal.String())
	assert.Equal(t, serviceorder.PaymentPartial, updated.PaymentStatus)
	assert.Len(t, f.stock.calls, 1)
	assert.Empty(t, f.receivables.list)

	_, err = f.orch.UpdateFinalized(context.Background(), draftOrder(), 1)
	require.ErrorIs(t, err, serviceorder.ErrInvalidTransition)
}

func TestUpdateFinalizedRejectsForgedStatus(t *testing.T) {
	f := newFixture()
	quote, err := f.orch.SaveQuote(context.Background(), draftOrder(), 1)
	require.NoError(t, err)

	forged := quote.Clone()
	forged.Status = serviceorder.StatusFinalized
	_, err = f.orch.UpdateFinalized(context.Background(), forged, 1)
	require.ErrorIs(t, err, serviceorder.ErrInvalidTransition)

	stored := f.orders.orders[quote.Code]
	assert.Equal(t, serviceorder.StatusQuoteSaved, stored.Status)
	assert.Empty(t, f.stock.calls)
	assert.Empty(t, f.receivables.list)
}

func TestUpdateFinalizedKeepsServerOwnedFields(t *testing.T) {
	f := newFixture()
	res, err := f.orch.Finalize(context.Background(), draftOrder(), []serviceorder.Payment{{Method: serviceorder.MethodPix, Amount: 12.5}}, 1)
	require.NoError(t, err)
	finalizedAt := *res.Order.FinalizedAt

	edited := res.Order.Clone()
	edited.Payments = []serviceorder.Payment{{Method: serviceorder.MethodCash, Amount: 1000}}
	edited.FinalizedAt = nil
	forged := decimal.NewFromFloat(0.01)
	edited.Items[0].Unit.UnitPrice = 3
	edited.Items[0].StoredSubtotal = &forged

	f.now = f.now.Add(time.Hour)
	updated, err := f.orch.UpdateFinalized(context.Background(), edited, 1)
	require.NoError(t, err)
	assert.Equal(t, "15", updated.Totals.GrandTotal.String())
	require.Len(t, updated.Payments, 1)
	assert.Equal(t, serviceorder.MethodPix, updated.Payments[0].Method)
	assert.Equal(t, serviceorder.PaymentPartial, updated.PaymentStatus)
	require.NotNil(t, updated.FinalizedAt)
	assert.Equal(t, finalizedAt, *updated.FinalizedAt)
	assert.Equal(t, serviceorder.StatusFinalized, updated.Status)
}

func TestMarkDeliveredAndReturnStock(t *testing.T) {
	f := newFixture()
	res, err := f.orch.Finalize(context.Background(), draftOrder(), []serviceorder.Payment{{Method: serviceorder.MethodCard, Amount: 12.5}}, 1)
	require.NoError(t, err)
	ref := serviceorder.Ref{Code: res.Order.Code}

	delivered, err := f.orch.MarkDelivered(context.Background(), ref, 2)
	require.NoError(t, err)
	assert.Equal(t, serviceorder.StatusDelivered, delivered.Status)

	_, err = f.orch.MarkDelivered(context.Background(), ref, 2)
	require.ErrorIs(t, err, serviceorder.ErrInvalidTransition)

	returned, err := f.orch.ReturnStock(context.Background(), ref, 2)
	require.NoError(t, err)
	require.Len(t, returned.Deltas, 1)
	assert.InDelta(t, 5, returned.Deltas[0].Qty, 1e-9)
	assert.True(t, f.stock.calls[len(f.stock.calls)-1].opts.IsReturn)
}

func TestReturnStockRequiresFinalizedOrder(t *testing.T) {
	f := newFixture()
	saved, err := f.orch.SaveQuote(context.Background(), draftOrder(), 0)
	require.NoError(t, err)
	_, err = f.orch.ReturnStock(context.Background(), serviceorder.Ref{Code: saved.Code}, 0)
	require.ErrorIs(t, err, serviceorder.ErrInvalidTransition)
}

func TestPaymentStatusFor(t *testing.T) {
	cash := func(v float64) serviceorder.Payment {
		return serviceorder.Payment{Method: serviceorder.MethodCash, Amount: v}
	}
	tests := []struct {
		name     string
		total    float64
		payments []serviceorder.Payment
		want     serviceorder.PaymentStatus
	}{
		{"nothing paid", 10, nil, serviceorder.PaymentPending},
		{"partial", 10, []serviceorder.Payment{cash(4)}, serviceorder.PaymentPartial},
		{"exact", 10, []serviceorder.Payment{cash(4), cash(6)}, serviceorder.PaymentPaid},
		{"overpaid", 10, []serviceorder.Payment{cash(20)}, serviceorder.PaymentPaid},
		{"deferred only", 10, []serviceorder.Payment{{Method: serviceorder.MethodCrediario, Amount: 10}}, serviceorder.PaymentPending},
		{"zero total", 0, nil, serviceorder.PaymentPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PaymentStatusFor(tt.total, tt.payments))
		})
	}
}

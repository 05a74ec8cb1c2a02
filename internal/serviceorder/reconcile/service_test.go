package reconcile

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledz7/df-graficas-sub014/internal/platform/cache"
	"github.com/aledz7/df-graficas-sub014/internal/platform/events"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/shared"
)

type memoryRemote struct {
	mu         sync.Mutex
	orders     map[int64]serviceorder.Order
	nextID     int64
	seqs       []int64
	createErrs []error
	updateErr  error
	getErr     error
	creates    []string
	updates    int
	deletes    []int64
}

func newMemoryRemote() *memoryRemote {
	return &memoryRemote{orders: make(map[int64]serviceorder.Order), nextID: 100}
}

func remoteErr(status int, err error) error {
	return &serviceorder.RemoteError{Status: status, Err: err}
}

func (m *memoryRemote) GetOrder(_ context.Context, id int64) (serviceorder.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return serviceorder.Order{}, m.getErr
	}
	o, ok := m.orders[id]
	if !ok {
		return serviceorder.Order{}, remoteErr(http.StatusNotFound, serviceorder.ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *memoryRemote) FindOrderByCode(_ context.Context, code string) (serviceorder.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return serviceorder.Order{}, m.getErr
	}
	for _, o := range m.orders {
		if strings.EqualFold(o.Code, code) {
			return o.Clone(), nil
		}
	}
	return serviceorder.Order{}, remoteErr(http.StatusNotFound, serviceorder.ErrNotFound)
}

func (m *memoryRemote) CreateOrder(_ context.Context, order serviceorder.Order) (serviceorder.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates = append(m.creates, order.Code)
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return serviceorder.Order{}, err
		}
	}
	for _, o := range m.orders {
		if o.Code == order.Code {
			return serviceorder.Order{}, remoteErr(http.StatusConflict, serviceorder.ErrConflict)
		}
	}
	m.nextID++
	order.ID = m.nextID
	m.orders[order.ID] = order.Clone()
	return order, nil
}

func (m *memoryRemote) UpdateOrder(_ context.Context, order serviceorder.Order) (serviceorder.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return serviceorder.Order{}, m.updateErr
	}
	if _, ok := m.orders[order.ID]; !ok {
		return serviceorder.Order{}, remoteErr(http.StatusNotFound, serviceorder.ErrNotFound)
	}
	m.orders[order.ID] = order.Clone()
	return order, nil
}

func (m *memoryRemote) DeleteOrder(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, id)
	delete(m.orders, id)
	return nil
}

func (m *memoryRemote) NextSequence(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.seqs) == 0 {
		return 0, remoteErr(http.StatusServiceUnavailable, serviceorder.ErrRemoteUnavailable)
	}
	seq := m.seqs[0]
	m.seqs = m.seqs[1:]
	return seq, nil
}

func (m *memoryRemote) ListOrders(context.Context, serviceorder.ListFilter) ([]serviceorder.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	out := make([]serviceorder.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o.Clone())
	}
	return out, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, ev events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

type fixture struct {
	svc    *Service
	remote *memoryRemote
	bus    *recordingBus
	store  *cache.Store
	redis  *redis.Client
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		remote: newMemoryRemote(),
		bus:    &recordingBus{},
		store:  cache.NewStore(client, "test", 0),
		redis:  client,
		now:    time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.remote, f.store, Config{
		Bus:    f.bus,
		Locker: shared.NewLocker(client),
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) cachedOrders(t *testing.T) []serviceorder.Order {
	t.Helper()
	var list []serviceorder.Order
	_, err := f.store.Get(context.Background(), ordersKey, &list)
	require.NoError(t, err)
	return list
}

func sampleOrder() serviceorder.Order {
	stored := decimal.RequireFromString("12.50")
	return serviceorder.Order{
		Status:     serviceorder.StatusQuoteSaved,
		ClientName: "Gráfica Central",
		Items: []serviceorder.LineItem{{
			Token:          "tok-1",
			ProductID:      3,
			Kind:           serviceorder.ItemByUnit,
			Unit:           &serviceorder.UnitPricing{Quantity: 5, UnitPrice: 2.5},
			StoredSubtotal: &stored,
		}},
	}
}

func TestSaveCreatesWithRemoteSequence(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{12}

	saved, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "OS-12", saved.Code)
	assert.Equal(t, int64(101), saved.ID)
	assert.False(t, saved.Unsynced)
	assert.Equal(t, f.now, saved.UpdatedAt)

	cached := f.cachedOrders(t)
	require.Len(t, cached, 1)
	assert.Equal(t, "OS-12", cached[0].Code)

	require.Len(t, f.bus.events, 1)
	assert.Equal(t, events.OrderSaved, f.bus.events[0].Type)
	assert.Equal(t, "OS-12", f.bus.events[0].Code)
}

func TestSaveConflictRetriesOnceWithNewCode(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{12, 13}
	f.remote.createErrs = []error{remoteErr(http.StatusConflict, serviceorder.ErrConflict)}

	saved, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "OS-13", saved.Code)
	assert.Equal(t, []string{"OS-12", "OS-13"}, f.remote.creates)

	cached := f.cachedOrders(t)
	require.Len(t, cached, 1)
	assert.Equal(t, "OS-13", cached[0].Code)
}

func TestSaveConflictTwiceSurfacesSaveError(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{12, 13}
	conflict := remoteErr(http.StatusConflict, serviceorder.ErrConflict)
	f.remote.createErrs = []error{conflict, conflict}

	_, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	var saveErr *serviceorder.SaveError
	require.ErrorAs(t, err, &saveErr)
	assert.Equal(t, opCreate, saveErr.Op)
	assert.Equal(t, http.StatusConflict, saveErr.Status)
	require.ErrorIs(t, err, serviceorder.ErrConflict)
	assert.Len(t, f.remote.creates, 2)

	assert.Empty(t, f.cachedOrders(t))
	assert.Empty(t, f.bus.events)
}

func TestSaveConflictFallsBackToLocalCounter(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{12, 12}
	f.remote.createErrs = []error{remoteErr(http.StatusConflict, serviceorder.ErrConflict)}

	saved, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "OS-13", saved.Code)
}

func TestSaveUpdateNotFoundRecreates(t *testing.T) {
	f := newFixture(t)
	order := sampleOrder()
	order.ID = 55
	order.Code = "OS-7"

	saved, err := f.svc.Save(context.Background(), order, SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.updates)
	assert.Equal(t, []string{"OS-7"}, f.remote.creates)
	assert.Equal(t, int64(101), saved.ID)
	assert.Equal(t, "OS-7", saved.Code)
}

func TestSaveRecreateConflictIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{12}
	f.remote.createErrs = []error{remoteErr(http.StatusConflict, serviceorder.ErrConflict)}
	order := sampleOrder()
	order.ID = 55
	order.Code = "OS-7"

	_, err := f.svc.Save(context.Background(), order, SaveOptions{})
	var saveErr *serviceorder.SaveError
	require.ErrorAs(t, err, &saveErr)
	assert.Equal(t, opCreate, saveErr.Op)
	assert.Equal(t, http.StatusConflict, saveErr.Status)
	assert.Equal(t, 1, f.remote.updates)
	assert.Equal(t, []string{"OS-7"}, f.remote.creates)
	assert.Empty(t, f.cachedOrders(t))
}

func TestSaveRemoteFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t)
	existing := sampleOrder()
	existing.ID = 9
	existing.Code = "OS-9"
	f.remote.orders[9] = existing
	_, err := f.svc.Load(context.Background(), serviceorder.Ref{ID: 9})
	require.NoError(t, err)
	before := f.cachedOrders(t)

	f.remote.updateErr = remoteErr(http.StatusInternalServerError, serviceorder.ErrRemoteUnavailable)
	edited := existing.Clone()
	edited.Notes = "changed"
	_, err = f.svc.Save(context.Background(), edited, SaveOptions{})

	var saveErr *serviceorder.SaveError
	require.ErrorAs(t, err, &saveErr)
	assert.Equal(t, opUpdate, saveErr.Op)
	assert.Equal(t, http.StatusInternalServerError, saveErr.Status)
	require.ErrorIs(t, err, serviceorder.ErrRemoteUnavailable)
	assert.Equal(t, before, f.cachedOrders(t))
	assert.Empty(t, f.bus.events)
}

func TestSaveUsesLocalCounterWhenSequenceUnavailable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(context.Background(), ordersKey, []serviceorder.Order{{Code: "OS-40", Unsynced: true}}))

	saved, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "OS-41", saved.Code)

	again, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "OS-42", again.Code)
}

func TestSaveRejectsConcurrentSave(t *testing.T) {
	f := newFixture(t)
	order := sampleOrder()
	order.Code = "OS-5"

	release, err := shared.NewLocker(f.redis).Acquire(context.Background(), shared.OrderLockKey("OS-5"), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Save(context.Background(), order, SaveOptions{})
	require.ErrorIs(t, err, serviceorder.ErrSaveInProgress)
	assert.Empty(t, f.remote.creates)

	release()
	_, err = f.svc.Save(context.Background(), order, SaveOptions{})
	require.NoError(t, err)
}

func TestSaveSkipNotify(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{1}
	_, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{SkipNotify: true})
	require.NoError(t, err)
	assert.Empty(t, f.bus.events)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{20}
	saved, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	require.NoError(t, err)

	loaded, err := f.svc.Load(context.Background(), serviceorder.Ref{ID: saved.ID})
	require.NoError(t, err)
	assert.Equal(t, saved.Code, loaded.Code)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, "tok-1", loaded.Items[0].Token)
	assert.True(t, loaded.Items[0].StoredSubtotal.Equal(decimal.RequireFromString("12.50")))
	assert.False(t, loaded.Unsynced)
}

func TestLoadFallsBackToCache(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{20}
	saved, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	require.NoError(t, err)

	f.remote.getErr = remoteErr(http.StatusBadGateway, serviceorder.ErrRemoteUnavailable)
	loaded, err := f.svc.Load(context.Background(), serviceorder.Ref{Code: saved.Code})
	require.NoError(t, err)
	assert.True(t, loaded.Unsynced)
	assert.Equal(t, saved.ID, loaded.ID)
}

func TestLoadResolvesIDForLocalOnlyOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(context.Background(), ordersKey, []serviceorder.Order{{ID: 4, Code: "OS-4"}}))
	f.remote.orders[88] = serviceorder.Order{ID: 88, Code: "OS-4"}

	loaded, err := f.svc.Load(context.Background(), serviceorder.Ref{ID: 4})
	require.NoError(t, err)
	assert.True(t, loaded.Unsynced)
	assert.Equal(t, int64(88), loaded.ID)
}

func TestLoadNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Load(context.Background(), serviceorder.Ref{ID: 1})
	require.ErrorIs(t, err, serviceorder.ErrNotFound)

	f.remote.getErr = remoteErr(http.StatusBadGateway, serviceorder.ErrRemoteUnavailable)
	_, err = f.svc.Load(context.Background(), serviceorder.Ref{Code: "OS-1"})
	require.ErrorIs(t, err, serviceorder.ErrNotFound)

	_, err = f.svc.Load(context.Background(), serviceorder.Ref{})
	require.ErrorIs(t, err, serviceorder.ErrValidation)
}

func TestStageDraftThenSync(t *testing.T) {
	f := newFixture(t)
	staged, err := f.svc.StageDraft(context.Background(), sampleOrder())
	require.NoError(t, err)
	assert.True(t, staged.Unsynced)
	assert.Equal(t, "OS-1", staged.Code)
	assert.Empty(t, f.remote.creates)

	pending, err := f.svc.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.now = f.now.Add(time.Minute)
	synced, err := f.svc.SyncUnsynced(context.Background(), serviceorder.Ref{Code: staged.Code})
	require.NoError(t, err)
	assert.False(t, synced.Unsynced)
	assert.Equal(t, int64(101), synced.ID)

	cached := f.cachedOrders(t)
	require.Len(t, cached, 1)
	assert.False(t, cached[0].Unsynced)
	assert.Equal(t, int64(101), cached[0].ID)
}

func TestSyncUnsyncedRemoteNewerWins(t *testing.T) {
	f := newFixture(t)
	staged, err := f.svc.StageDraft(context.Background(), sampleOrder())
	require.NoError(t, err)

	newer := sampleOrder()
	newer.ID = 77
	newer.Code = staged.Code
	newer.Notes = "edited elsewhere"
	newer.UpdatedAt = f.now.Add(time.Hour)
	f.remote.orders[77] = newer

	synced, err := f.svc.SyncUnsynced(context.Background(), serviceorder.Ref{Code: staged.Code})
	require.NoError(t, err)
	assert.Equal(t, "edited elsewhere", synced.Notes)
	assert.Empty(t, f.remote.creates)
	assert.Zero(t, f.remote.updates)

	cached := f.cachedOrders(t)
	require.Len(t, cached, 1)
	assert.Equal(t, int64(77), cached[0].ID)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.remote.seqs = []int64{8}
	saved, err := f.svc.Save(context.Background(), sampleOrder(), SaveOptions{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(context.Background(), serviceorder.Ref{Code: saved.Code}))
	assert.Equal(t, []int64{saved.ID}, f.remote.deletes)
	assert.Empty(t, f.cachedOrders(t))

	last := f.bus.events[len(f.bus.events)-1]
	assert.Equal(t, events.OrderDeleted, last.Type)
	assert.Equal(t, saved.Code, last.Code)
}

func TestListFallsBackToCache(t *testing.T) {
	f := newFixture(t)
	status := serviceorder.StatusFinalized
	require.NoError(t, f.store.Set(context.Background(), ordersKey, []serviceorder.Order{
		{Code: "OS-1", Status: serviceorder.StatusFinalized},
		{Code: "OS-2", Status: serviceorder.StatusDraft},
	}))
	f.remote.getErr = errors.New("boom")

	list, err := f.svc.List(context.Background(), serviceorder.ListFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "OS-1", list[0].Code)
	assert.True(t, list[0].Unsynced)
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	reason, ok := p.Classify(opCreate, remoteErr(http.StatusConflict, serviceorder.ErrConflict))
	require.True(t, ok)
	assert.Equal(t, RetryConflict, reason)

	reason, ok = p.Classify(opUpdate, remoteErr(http.StatusNotFound, serviceorder.ErrNotFound))
	require.True(t, ok)
	assert.Equal(t, RetryNotFound, reason)

	_, ok = p.Classify(opUpdate, remoteErr(http.StatusConflict, serviceorder.ErrConflict))
	assert.False(t, ok)
	_, ok = p.Classify(opCreate, remoteErr(http.StatusInternalServerError, serviceorder.ErrRemoteUnavailable))
	assert.False(t, ok)

	attempts := map[RetryReason]int{}
	assert.True(t, p.Allow(RetryConflict, attempts))
	assert.False(t, p.Allow(RetryConflict, attempts))
	assert.True(t, p.Allow(RetryNotFound, attempts))
	assert.False(t, p.Allow(RetryConflict, map[RetryReason]int{RetryNotFound: 1}))
}

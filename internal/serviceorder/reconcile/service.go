// Package reconcile persists service orders against the remote store and keeps
// the local cache mirrored behind it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aledz7/df-graficas-sub014/internal/observability"
	"github.com/aledz7/df-graficas-sub014/internal/platform/cache"
	"github.com/aledz7/df-graficas-sub014/internal/platform/events"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/shared"
)

const (
	ordersKey  = "orders"
	counterKey = "orders:seq"

	opCreate = "create"
	opUpdate = "update"

	defaultLockTTL = 30 * time.Second
)

// RemoteOrders is the remote order API.
type RemoteOrders interface {
	GetOrder(ctx context.Context, id int64) (serviceorder.Order, error)
	FindOrderByCode(ctx context.Context, code string) (serviceorder.Order, error)
	CreateOrder(ctx context.Context, order serviceorder.Order) (serviceorder.Order, error)
	UpdateOrder(ctx context.Context, order serviceorder.Order) (serviceorder.Order, error)
	DeleteOrder(ctx context.Context, id int64) error
	NextSequence(ctx context.Context) (int64, error)
	ListOrders(ctx context.Context, filter serviceorder.ListFilter) ([]serviceorder.Order, error)
}

// Publisher emits order notifications.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Locker guards the pending-save section of one order.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Config groups optional collaborators.
type Config struct {
	LockTTL time.Duration
	Retry   RetryPolicy
	Bus     Publisher
	Locker  Locker
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// SaveOptions tunes a single save.
type SaveOptions struct {
	// SkipNotify suppresses the orderSaved event.
	SkipNotify bool
	ActorID    int64
}

// Service reconciles orders between the remote store and the local cache.
type Service struct {
	remote  RemoteOrders
	store   *cache.Store
	bus     Publisher
	locker  Locker
	retry   RetryPolicy
	lockTTL time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs the reconciler.
func NewService(remote RemoteOrders, store *cache.Store, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	retry := cfg.Retry
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryPolicy()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Service{
		remote:  remote,
		store:   store,
		bus:     cfg.Bus,
		locker:  cfg.Locker,
		retry:   retry,
		lockTTL: ttl,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ============================================================================
// LOAD
// ============================================================================

// Load returns the remote copy of the order, falling back to the cache when
// the remote fails or has nothing. A cache-only hit is flagged Unsynced.
func (s *Service) Load(ctx context.Context, ref serviceorder.Ref) (*serviceorder.Order, error) {
	if ref.IsZero() {
		return nil, serviceorder.Invalid("ref", "order id or code required")
	}

	order, err := s.fetchRemote(ctx, ref)
	if err == nil {
		if mirrorErr := s.mirrorLoaded(ctx, order); mirrorErr != nil {
			s.logger.Warn("cache mirror failed", slog.String("order", order.Code), slog.Any("error", mirrorErr))
		}
		return &order, nil
	}
	s.logger.Info("remote load failed, trying cache", slog.String("ref", ref.String()), slog.Any("error", err))

	local, found, cacheErr := s.cached(ctx, ref)
	if cacheErr != nil {
		return nil, fmt.Errorf("reconcile: load %s: %w", ref, cacheErr)
	}
	if !found {
		if errors.Is(err, serviceorder.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s: %v", serviceorder.ErrNotFound, ref, err)
	}
	s.metrics.ObserveCacheFallback()
	local.Unsynced = true

	// a code lookup already ran when ref carried no id
	if ref.ID > 0 && local.Code != "" {
		if remote, findErr := s.remote.FindOrderByCode(ctx, local.Code); findErr == nil && remote.ID > 0 {
			local.ID = remote.ID
		}
	}
	return &local, nil
}

// List returns remote orders, or the filtered cache when the remote fails.
func (s *Service) List(ctx context.Context, filter serviceorder.ListFilter) ([]serviceorder.Order, error) {
	orders, err := s.remote.ListOrders(ctx, filter)
	if err == nil {
		return orders, nil
	}
	s.logger.Info("remote list failed, using cache", slog.Any("error", err))
	var cached []serviceorder.Order
	if _, cacheErr := s.store.Get(ctx, ordersKey, &cached); cacheErr != nil {
		return nil, fmt.Errorf("reconcile: list: %w", cacheErr)
	}
	s.metrics.ObserveCacheFallback()
	out := make([]serviceorder.Order, 0, len(cached))
	for _, o := range cached {
		if matchesFilter(o, filter) {
			o.Unsynced = true
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Service) fetchRemote(ctx context.Context, ref serviceorder.Ref) (serviceorder.Order, error) {
	if ref.ID > 0 {
		return s.remote.GetOrder(ctx, ref.ID)
	}
	return s.remote.FindOrderByCode(ctx, ref.Code)
}

// mirrorLoaded refreshes the cache with a remote copy unless the cached entry
// carries local edits not yet pushed.
func (s *Service) mirrorLoaded(ctx context.Context, order serviceorder.Order) error {
	return cache.Update(ctx, s.store, ordersKey, func(list *[]serviceorder.Order) error {
		ref := serviceorder.RefOf(order)
		for i, existing := range *list {
			if !ref.Matches(existing) {
				continue
			}
			if existing.Unsynced && existing.UpdatedAt.After(order.UpdatedAt) {
				return nil
			}
			(*list)[i] = order
			return nil
		}
		*list = append(*list, order)
		return nil
	})
}

// ============================================================================
// SAVE
// ============================================================================

// Save persists order remotely and mirrors the stored copy into the cache.
// A remote failure that the retry policy cannot recover is returned as a
// *serviceorder.SaveError and leaves the cache untouched.
func (s *Service) Save(ctx context.Context, order serviceorder.Order, opts SaveOptions) (*serviceorder.Order, error) {
	order = order.Clone()
	original := serviceorder.RefOf(order)

	if order.Code == "" {
		code, err := s.nextCode(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("reconcile: assign code: %w", err)
		}
		order.Code = code
	}

	release, err := s.acquire(ctx, order)
	if err != nil {
		return nil, err
	}
	defer release()

	// a dispatched save is never cancelled mid-flight
	ctx = context.WithoutCancel(ctx)

	now := s.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Unsynced = false

	saved, op, err := s.persist(ctx, order)
	if err != nil {
		s.metrics.ObserveSave(op, "failure")
		s.logger.Error("order save failed",
			slog.String("order", order.Code),
			slog.String("op", op),
			slog.Any("error", err))
		return nil, &serviceorder.SaveError{Op: op, Code: order.Code, Status: serviceorder.StatusOf(err), Err: err}
	}
	s.metrics.ObserveSave(op, "success")
	saved.Unsynced = false

	if err := s.writeThrough(ctx, saved, original); err != nil {
		s.logger.Warn("cache write-through failed", slog.String("order", saved.Code), slog.Any("error", err))
	}
	if !opts.SkipNotify {
		s.publish(ctx, events.OrderSaved, saved)
	}
	s.logger.Info("order saved",
		slog.String("order", saved.Code),
		slog.Int64("id", saved.ID),
		slog.String("op", op),
		slog.Int64("actor_id", opts.ActorID))
	return &saved, nil
}

// persist runs attemptSave under the retry policy.
func (s *Service) persist(ctx context.Context, order serviceorder.Order) (serviceorder.Order, string, error) {
	attempts := make(map[RetryReason]int)
	for {
		op := opCreate
		if order.ID > 0 {
			op = opUpdate
		}
		saved, err := s.attemptSave(ctx, op, order)
		if err == nil {
			return saved, op, nil
		}
		reason, ok := s.retry.Classify(op, err)
		if !ok || !s.retry.Allow(reason, attempts) {
			return serviceorder.Order{}, op, err
		}
		s.metrics.ObserveSaveRetry(string(reason))
		s.logger.Warn("retrying order save", slog.String("order", order.Code), slog.String("reason", string(reason)))

		switch reason {
		case RetryNotFound:
			order.ID = 0
		case RetryConflict:
			code, codeErr := s.nextCode(ctx, serviceorder.CodeSequence(order.Code))
			if codeErr != nil {
				return serviceorder.Order{}, op, fmt.Errorf("%w: regenerate code: %v", err, codeErr)
			}
			order.Code = code
		}
	}
}

// attemptSave performs exactly one remote write.
func (s *Service) attemptSave(ctx context.Context, op string, order serviceorder.Order) (serviceorder.Order, error) {
	var (
		saved serviceorder.Order
		err   error
	)
	if op == opUpdate {
		saved, err = s.remote.UpdateOrder(ctx, order)
	} else {
		saved, err = s.remote.CreateOrder(ctx, order)
	}
	if err != nil {
		return serviceorder.Order{}, err
	}
	if saved.Code == "" {
		saved.Code = order.Code
	}
	if saved.ID == 0 {
		saved.ID = order.ID
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = order.UpdatedAt
	}
	return saved, nil
}

func (s *Service) acquire(ctx context.Context, order serviceorder.Order) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, shared.OrderLockKey(serviceorder.RefOf(order).String()), s.lockTTL)
	if errors.Is(err, shared.ErrLockHeld) {
		return nil, fmt.Errorf("%w: %s", serviceorder.ErrSaveInProgress, order.Code)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

// ============================================================================
// CODES
// ============================================================================

// nextCode asks the remote for the next sequence and falls back to the local
// counter. floor is a sequence known to be taken.
func (s *Service) nextCode(ctx context.Context, floor int64) (string, error) {
	seq, err := s.remote.NextSequence(ctx)
	if err == nil && seq > floor {
		if bumpErr := s.bumpCounter(ctx, seq); bumpErr != nil {
			s.logger.Warn("local counter bump failed", slog.Any("error", bumpErr))
		}
		return serviceorder.FormatCode(seq), nil
	}
	if err != nil {
		s.logger.Info("remote sequence unavailable, using local counter", slog.Any("error", err))
	}
	seq, err = s.localSequence(ctx, floor)
	if err != nil {
		return "", err
	}
	return serviceorder.FormatCode(seq), nil
}

// localSequence increments the cached counter past floor and past every
// cached order code.
func (s *Service) localSequence(ctx context.Context, floor int64) (int64, error) {
	var cached []serviceorder.Order
	if _, err := s.store.Get(ctx, ordersKey, &cached); err != nil {
		return 0, err
	}
	for _, o := range cached {
		if seq := serviceorder.CodeSequence(o.Code); seq > floor {
			floor = seq
		}
	}
	var next int64
	err := cache.Update(ctx, s.store, counterKey, func(n *int64) error {
		if *n < floor {
			*n = floor
		}
		*n++
		next = *n
		return nil
	})
	return next, err
}

func (s *Service) bumpCounter(ctx context.Context, seq int64) error {
	return cache.Update(ctx, s.store, counterKey, func(n *int64) error {
		if *n < seq {
			*n = seq
		}
		return nil
	})
}

// ============================================================================
// DRAFTS, DELETE & SYNC
// ============================================================================

// StageDraft keeps a work-in-progress order in the cache only. The staged copy
// is flagged Unsynced until a Save succeeds.
func (s *Service) StageDraft(ctx context.Context, order serviceorder.Order) (*serviceorder.Order, error) {
	order = order.Clone()
	if order.Code == "" {
		code, err := s.nextCode(ctx, 0)
		if err != nil {
			return nil, fmt.Errorf("reconcile: assign code: %w", err)
		}
		order.Code = code
	}
	now := s.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Unsynced = true
	if err := s.writeThrough(ctx, order, serviceorder.RefOf(order)); err != nil {
		return nil, fmt.Errorf("reconcile: stage draft: %w", err)
	}
	return &order, nil
}

// Delete removes the order remotely and then from the cache.
func (s *Service) Delete(ctx context.Context, ref serviceorder.Ref) error {
	if ref.IsZero() {
		return serviceorder.Invalid("ref", "order id or code required")
	}
	target := ref
	if target.ID == 0 {
		if local, found, err := s.cached(ctx, ref); err == nil && found {
			target = serviceorder.RefOf(local)
		}
		if target.ID == 0 {
			if remote, err := s.remote.FindOrderByCode(ctx, ref.Code); err == nil {
				target = serviceorder.RefOf(remote)
			}
		}
	}
	if target.ID > 0 {
		err := s.remote.DeleteOrder(ctx, target.ID)
		if err != nil && !errors.Is(err, serviceorder.ErrNotFound) {
			return fmt.Errorf("reconcile: delete %s: %w", ref, err)
		}
	}
	if err := cache.Update(ctx, s.store, ordersKey, func(list *[]serviceorder.Order) error {
		*list = dropMatching(*list, target, ref)
		return nil
	}); err != nil {
		return fmt.Errorf("reconcile: delete %s from cache: %w", ref, err)
	}
	s.publish(ctx, events.OrderDeleted, serviceorder.Order{ID: target.ID, Code: firstNonEmpty(target.Code, ref.Code)})
	return nil
}

// SyncUnsynced pushes a cache-only order to the remote, last write wins: a
// newer remote copy replaces the local one instead.
func (s *Service) SyncUnsynced(ctx context.Context, ref serviceorder.Ref) (*serviceorder.Order, error) {
	local, found, err := s.cached(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("reconcile: sync %s: %w", ref, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: order %s not cached", serviceorder.ErrNotFound, ref)
	}
	if !local.Unsynced {
		return &local, nil
	}

	remote, err := s.fetchRemote(ctx, serviceorder.RefOf(local))
	if err == nil && remote.UpdatedAt.After(local.UpdatedAt) {
		if err := s.writeThrough(ctx, remote, serviceorder.RefOf(local)); err != nil {
			return nil, fmt.Errorf("reconcile: sync %s: %w", ref, err)
		}
		s.logger.Info("remote copy newer, local edits discarded", slog.String("order", remote.Code))
		return &remote, nil
	}
	if err == nil && local.ID == 0 {
		local.ID = remote.ID
	}
	if errors.Is(err, serviceorder.ErrNotFound) {
		local.ID = 0
	}
	return s.Save(ctx, local, SaveOptions{})
}

// Pending lists cached orders flagged Unsynced.
func (s *Service) Pending(ctx context.Context) ([]serviceorder.Order, error) {
	var cached []serviceorder.Order
	if _, err := s.store.Get(ctx, ordersKey, &cached); err != nil {
		return nil, err
	}
	out := make([]serviceorder.Order, 0)
	for _, o := range cached {
		if o.Unsynced {
			out = append(out, o)
		}
	}
	return out, nil
}

// ============================================================================
// CACHE HELPERS
// ============================================================================

func (s *Service) cached(ctx context.Context, ref serviceorder.Ref) (serviceorder.Order, bool, error) {
	var cached []serviceorder.Order
	if _, err := s.store.Get(ctx, ordersKey, &cached); err != nil {
		return serviceorder.Order{}, false, err
	}
	for _, o := range cached {
		if ref.Matches(o) {
			return o, true, nil
		}
	}
	return serviceorder.Order{}, false, nil
}

// writeThrough replaces every cached entry addressed by the saved order or by
// the ref it had before saving.
func (s *Service) writeThrough(ctx context.Context, order serviceorder.Order, previous serviceorder.Ref) error {
	return cache.Update(ctx, s.store, ordersKey, func(list *[]serviceorder.Order) error {
		current := serviceorder.RefOf(order)
		replaced := false
		out := (*list)[:0]
		for _, existing := range *list {
			if current.Matches(existing) || supersedes(previous, existing) {
				if !replaced {
					out = append(out, order)
					replaced = true
				}
				continue
			}
			out = append(out, existing)
		}
		if !replaced {
			out = append(out, order)
		}
		*list = out
		return nil
	})
}

func (s *Service) publish(ctx context.Context, kind events.Type, order serviceorder.Order) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, events.Event{Type: kind, OrderID: order.ID, Code: order.Code}); err != nil {
		s.logger.Warn("event publish failed", slog.String("type", string(kind)), slog.Any("error", err))
	}
}

// supersedes reports whether existing is the pre-save copy addressed by
// previous. A code match alone only counts for local-only entries since the
// code may have been taken by another order.
func supersedes(previous serviceorder.Ref, existing serviceorder.Order) bool {
	if previous.IsZero() {
		return false
	}
	if previous.ID > 0 && existing.ID == previous.ID {
		return true
	}
	return existing.ID == 0 && previous.Matches(existing)
}

func dropMatching(list []serviceorder.Order, refs ...serviceorder.Ref) []serviceorder.Order {
	out := list[:0]
	for _, o := range list {
		drop := false
		for _, ref := range refs {
			if !ref.IsZero() && ref.Matches(o) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, o)
		}
	}
	return out
}

func matchesFilter(o serviceorder.Order, filter serviceorder.ListFilter) bool {
	if filter.Status != nil && o.Status != *filter.Status {
		return false
	}
	if filter.ClientID != nil && (o.ClientID == nil || *o.ClientID != *filter.ClientID) {
		return false
	}
	if filter.From != nil && o.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && o.CreatedAt.After(*filter.To) {
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package catalog serves the finish (acabamento) catalog consumed by pricing
// and stock adjustment.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/aledz7/df-graficas-sub014/internal/platform/cache"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/pricing"
)

const finishesKey = "finishes"

// RemoteFinishes is the remote finish catalog API.
type RemoteFinishes interface {
	ListFinishes(ctx context.Context) ([]serviceorder.Finish, error)
}

// Service fetches the finish catalog, collapsing concurrent fetches and
// falling back to the last cached copy when the remote is unavailable.
type Service struct {
	remote RemoteFinishes
	store  *cache.Store
	logger *slog.Logger
	group  singleflight.Group
}

// NewService constructs Service. store may be nil.
func NewService(remote RemoteFinishes, store *cache.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{remote: remote, store: store, logger: logger}
}

// Finishes returns the finish list ordered by id.
func (s *Service) Finishes(ctx context.Context) ([]serviceorder.Finish, error) {
	ch := s.group.DoChan(finishesKey, func() (interface{}, error) {
		return s.load(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		list := res.Val.([]serviceorder.Finish)
		return append([]serviceorder.Finish(nil), list...), nil
	}
}

// Catalog returns the finish list indexed for pricing.
func (s *Service) Catalog(ctx context.Context) (pricing.Catalog, error) {
	list, err := s.Finishes(ctx)
	if err != nil {
		return nil, err
	}
	return pricing.NewCatalog(list), nil
}

func (s *Service) load(ctx context.Context) ([]serviceorder.Finish, error) {
	list, remoteErr := s.remote.ListFinishes(ctx)
	if remoteErr == nil {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		if s.store != nil {
			if err := s.store.Set(ctx, finishesKey, list); err != nil {
				s.logger.Warn("cache finishes", slog.Any("error", err))
			}
		}
		return list, nil
	}

	if s.store != nil {
		var cached []serviceorder.Finish
		ok, err := s.store.Get(ctx, finishesKey, &cached)
		if err == nil && ok {
			s.logger.Warn("finish catalog served from cache", slog.Any("error", remoteErr))
			return cached, nil
		}
	}
	return nil, fmt.Errorf("catalog: list finishes: %w", remoteErr)
}

package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aledz7/df-graficas-sub014/internal/platform/cache"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

const productsKey = "products"

// RemoteProducts is the remote product API.
type RemoteProducts interface {
	GetProduct(ctx context.Context, id int64) (serviceorder.Product, error)
	UpdateProduct(ctx context.Context, product serviceorder.Product) error
}

// Repository keeps the local product collection in the cache store. Products
// missing locally are fetched from the remote API on load.
type Repository struct {
	store  *cache.Store
	remote RemoteProducts
}

// NewRepository constructs Repository.
func NewRepository(store *cache.Store, remote RemoteProducts) *Repository {
	return &Repository{store: store, remote: remote}
}

// List returns every cached product ordered by id.
func (r *Repository) List(ctx context.Context) ([]serviceorder.Product, error) {
	var products []serviceorder.Product
	if _, err := r.store.Get(ctx, productsKey, &products); err != nil {
		return nil, err
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// Load returns the requested products keyed by id. Unknown ids are simply
// absent from the map.
func (r *Repository) Load(ctx context.Context, ids []int64) (map[int64]serviceorder.Product, error) {
	var cached []serviceorder.Product
	if _, err := r.store.Get(ctx, productsKey, &cached); err != nil {
		return nil, err
	}
	out := make(map[int64]serviceorder.Product, len(ids))
	for _, p := range cached {
		out[p.ID] = p
	}

	var fetched []serviceorder.Product
	for _, id := range ids {
		if _, ok := out[id]; ok || r.remote == nil {
			continue
		}
		p, err := r.remote.GetProduct(ctx, id)
		if errors.Is(err, serviceorder.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("inventory: fetch product %d: %w", id, err)
		}
		out[id] = p
		fetched = append(fetched, p)
	}
	if len(fetched) > 0 {
		if err := r.Save(ctx, fetched); err != nil {
			return nil, err
		}
	}

	wanted := make(map[int64]serviceorder.Product, len(ids))
	for _, id := range ids {
		if p, ok := out[id]; ok {
			wanted[id] = p
		}
	}
	return wanted, nil
}

// Save upserts products into the local collection.
func (r *Repository) Save(ctx context.Context, products []serviceorder.Product) error {
	return cache.Update(ctx, r.store, productsKey, func(list *[]serviceorder.Product) error {
		index := make(map[int64]int, len(*list))
		for i, p := range *list {
			index[p.ID] = i
		}
		for _, p := range products {
			if i, ok := index[p.ID]; ok {
				(*list)[i] = p
				continue
			}
			index[p.ID] = len(*list)
			*list = append(*list, p)
		}
		return nil
	})
}

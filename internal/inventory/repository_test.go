package inventory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aledz7/df-graficas-sub014/internal/platform/cache"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

type remoteCatalog map[int64]serviceorder.Product

func (r remoteCatalog) GetProduct(ctx context.Context, id int64) (serviceorder.Product, error) {
	p, ok := r[id]
	if !ok {
		return serviceorder.Product{}, serviceorder.ErrNotFound
	}
	return p, nil
}

func (r remoteCatalog) UpdateProduct(ctx context.Context, p serviceorder.Product) error {
	r[p.ID] = p
	return nil
}

func TestRepositoryLoadFetchesMissingProducts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := cache.NewStore(client, "os", 0)
	remote := remoteCatalog{2: {ID: 2, Name: "Lona", Stock: 30}}
	repo := NewRepository(store, remote)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, []serviceorder.Product{{ID: 1, Name: "Vinil", Stock: 5}}))

	got, err := repo.Load(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Lona", got[2].Name)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].ID)

	require.NoError(t, repo.Save(ctx, []serviceorder.Product{{ID: 1, Name: "Vinil", Stock: 4}}))
	all, err = repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 4.0, all[0].Stock)
}

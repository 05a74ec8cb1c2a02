package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Code  string `json:"code"`
	Total int    `json:"total"`
}

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, "test", ttl), mr
}

func TestStoreGetSetRemove(t *testing.T) {
	store, mr := newTestStore(t, 0)
	ctx := context.Background()

	var got []entry
	ok, err := store.Get(ctx, "orders", &got)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "orders", []entry{{Code: "OS-1", Total: 10}}))
	require.True(t, mr.Exists("test:orders"))

	ok, err = store.Get(ctx, "orders", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []entry{{Code: "OS-1", Total: 10}}, got)

	require.NoError(t, store.Remove(ctx, "orders"))
	require.False(t, mr.Exists("test:orders"))
}

func TestStoreAppliesTTL(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	require.NoError(t, store.Set(context.Background(), "products", []entry{}))
	require.Equal(t, time.Minute, mr.TTL("test:products"))
}

func TestStoreRejectsCorruptValue(t *testing.T) {
	store, mr := newTestStore(t, 0)
	require.NoError(t, mr.Set("test:orders", "{not json"))
	var got []entry
	_, err := store.Get(context.Background(), "orders", &got)
	require.Error(t, err)
}

func TestUpdateSerializesWritesPerKey(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			err := Update(ctx, store, "counter", func(n *int64) error {
				*n++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var n int64
	ok, err := store.Get(ctx, "counter", &n)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(writers), n)
}

func TestUpdateAbortsOnError(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "orders", []entry{{Code: "OS-1"}}))

	boom := errors.New("boom")
	err := Update(ctx, store, "orders", func(list *[]entry) error {
		*list = nil
		return boom
	})
	require.ErrorIs(t, err, boom)

	var got []entry
	_, err = store.Get(ctx, "orders", &got)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestListingCacheFetchAndBump(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewListingCache(client, time.Minute)
	ctx := context.Background()
	filter := InventoryFilter{Scope: ScopeVariant, Order: OrderNewest, Limit: 20}

	loads := 0
	loader := func(ctx context.Context) (InventoryPage, error) {
		loads++
		return InventoryPage{Items: []InventoryRow{{VariantID: 1, ProductID: 1, ProductName: "Monstera", Stock: int64(loads)}}}, nil
	}

	page, err := cache.Fetch(ctx, filter, loader)
	require.NoError(t, err)
	require.Equal(t, 1, loads)
	require.EqualValues(t, 1, page.Items[0].Stock)

	page, err = cache.Fetch(ctx, filter, loader)
	require.NoError(t, err)
	require.Equal(t, 1, loads, "second fetch must be served from cache")
	require.EqualValues(t, 1, page.Items[0].Stock)

	require.NoError(t, cache.Bump(ctx))

	page, err = cache.Fetch(ctx, filter, loader)
	require.NoError(t, err)
	require.Equal(t, 2, loads, "bump must invalidate cached pages")
	require.EqualValues(t, 2, page.Items[0].Stock)
}

func TestListingCacheDistinguishesFilters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewListingCache(client, time.Minute)
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context) (InventoryPage, error) {
		loads++
		return InventoryPage{}, nil
	}

	_, err := cache.Fetch(ctx, InventoryFilter{Scope: ScopeVariant, Limit: 20}, loader)
	require.NoError(t, err)
	_, err = cache.Fetch(ctx, InventoryFilter{Scope: ScopeVariant, Limit: 20, Offset: 20}, loader)
	require.NoError(t, err)
	require.Equal(t, 2, loads)
}

func TestListingCacheNilFallsBackToLoader(t *testing.T) {
	var cache *ListingCache
	loads := 0
	_, err := cache.Fetch(context.Background(), InventoryFilter{}, func(ctx context.Context) (InventoryPage, error) {
		loads++
		return InventoryPage{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, loads)
}

package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "inventory:listing:version"

// ListingCache caches stock listing pages in Redis behind a version counter.
// Bump increments the version, which orphans every previously written key;
// orphans expire with their TTL. Stock values themselves are never cached
// outside a listing page.
type ListingCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewListingCache instantiates the cache helper.
func NewListingCache(client *redis.Client, ttl time.Duration) *ListingCache {
	return &ListingCache{client: client, ttl: ttl}
}

// Fetch loads a cached page or populates it using the loader.
func (c *ListingCache) Fetch(ctx context.Context, filter InventoryFilter, loader func(context.Context) (InventoryPage, error)) (InventoryPage, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.buildKey(ctx, filter)
	if err != nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var page InventoryPage
		if err := json.Unmarshal(payload, &page); err == nil {
			return page, nil
		}
	} else if err != redis.Nil {
		return loader(ctx)
	}
	page, err := loader(ctx)
	if err != nil {
		return InventoryPage{}, err
	}
	raw, err := json.Marshal(page)
	if err != nil {
		return page, nil
	}
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	return page, nil
}

// Bump invalidates all cached pages by incrementing the version counter.
func (c *ListingCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *ListingCache) buildKey(ctx context.Context, filter InventoryFilter) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("inventory:listing:%d:%s:%s:%s:%d:%d",
		ver, filter.Scope, filter.Order, filter.Search, filter.Limit, filter.Offset), nil
}

func (c *ListingCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Package cache provides a Redis read-through cache in front of storage.ReadStore.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	redis "github.com/go-redis/redis/v8"

	"github.com/selivandex/market-etl/internal/storage"
	"github.com/selivandex/market-etl/pkg/models"
)

// ReadStore decorates a storage.ReadStore with Redis caching of canonical reads.
// Checkpoints are always read through since failure marks do not invalidate.
// A nil client disables caching.
type ReadStore struct {
	inner     storage.ReadStore
	rdb       *redis.Client
	ttl       time.Duration
	namespace string
}

// NewReadStore creates caching read store.
// If ttl is 0, it defaults to 30 seconds. If namespace is empty, it uses "etl".
func NewReadStore(rdb *redis.Client, ttl time.Duration, inner storage.ReadStore, namespace string) *ReadStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if namespace == "" {
		namespace = "etl"
	}
	return &ReadStore{
		inner:     inner,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
	}
}

// ListCanonical returns one page of assets, from cache when present
func (c *ReadStore) ListCanonical(ctx context.Context, q storage.CanonicalQuery) ([]*models.CanonicalAsset, error) {
	key := dataKey(c.namespace, q)
	return readThrough(ctx, c, key, func() ([]*models.CanonicalAsset, error) {
		return c.inner.ListCanonical(ctx, q)
	})
}

// CountCanonical returns the canonical row count, from cache when present
func (c *ReadStore) CountCanonical(ctx context.Context) (int64, error) {
	return readThrough(ctx, c, c.namespace+":count", func() (int64, error) {
		return c.inner.CountCanonical(ctx)
	})
}

func (c *ReadStore) ListCheckpoints(ctx context.Context) ([]*models.Checkpoint, error) {
	return c.inner.ListCheckpoints(ctx)
}

// Ping checks the backing store and, when configured, redis
func (c *ReadStore) Ping(ctx context.Context) error {
	if err := c.inner.Ping(ctx); err != nil {
		return err
	}
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Invalidate drops every cached entry of this namespace
func (c *ReadStore) Invalidate(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	return c.deleteByPattern(ctx, c.namespace+":*")
}

func readThrough[T any](ctx context.Context, c *ReadStore, key string, load func() (T, error)) (T, error) {
	if c.rdb == nil {
		return load()
	}

	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
		var out T
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		_ = c.rdb.Del(ctx, key).Err()
	}

	out, err := load()
	if err != nil {
		return out, err
	}

	if b, err := json.Marshal(out); err == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttl).Err()
	}

	return out, nil
}

func (c *ReadStore) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// dataKey escapes the source so distinct sources never share a key
func dataKey(namespace string, q storage.CanonicalQuery) string {
	return fmt.Sprintf("%s:data:%d:%d:%s", namespace, q.Page, q.Limit, url.QueryEscape(q.Source))
}

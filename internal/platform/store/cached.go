package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Cached is a read-through Redis cache in front of another Store. Only the
// configured collections are cached; writes to them drop every cached entry
// of that collection. Cache failures never fail a request: reads fall back
// to the backing store.
type Cached struct {
	next        Store
	redis       *redis.Client
	prefix      string
	ttl         time.Duration
	collections map[string]bool
}

// NewCached wraps next, caching reads of collections for ttl.
func NewCached(next Store, rdb *redis.Client, prefix string, ttl time.Duration, collections ...string) *Cached {
	set := make(map[string]bool, len(collections))
	for _, c := range collections {
		set[c] = true
	}
	return &Cached{next: next, redis: rdb, prefix: prefix, ttl: ttl, collections: set}
}

func (c *Cached) ListWhere(ctx context.Context, collection string, q Query) ([]Record, error) {
	if !c.collections[collection] {
		return c.next.ListWhere(ctx, collection, q)
	}
	key, err := c.queryKey(collection, q)
	if err == nil {
		var recs []Record
		if err := c.get(ctx, key, &recs); err == nil {
			return recs, nil
		}
	}

	recs, err := c.next.ListWhere(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	if key != "" {
		_ = c.set(ctx, key, recs)
	}
	return recs, nil
}

func (c *Cached) GetByID(ctx context.Context, collection, id string) (*Record, error) {
	if !c.collections[collection] {
		return c.next.GetByID(ctx, collection, id)
	}
	key := c.prefix + collection + ":id:" + id
	var rec Record
	if err := c.get(ctx, key, &rec); err == nil {
		return &rec, nil
	}

	found, err := c.next.GetByID(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	_ = c.set(ctx, key, found)
	return found, nil
}

func (c *Cached) Create(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (*Record, error) {
	rec, err := c.next.Create(ctx, collection, id, fields, permissions)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, collection)
	return rec, nil
}

func (c *Cached) Update(ctx context.Context, collection, id string, patch map[string]any) (*Record, error) {
	rec, err := c.next.Update(ctx, collection, id, patch)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx, collection)
	return rec, nil
}

func (c *Cached) Delete(ctx context.Context, collection, id string) error {
	if err := c.next.Delete(ctx, collection, id); err != nil {
		return err
	}
	c.invalidate(ctx, collection)
	return nil
}

func (c *Cached) queryKey(collection string, q Query) (string, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal query for cache key")
	}
	sum := sha1.Sum(data)
	return c.prefix + collection + ":q:" + hex.EncodeToString(sum[:]), nil
}

func (c *Cached) get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return errors.Wrap(err, "cache miss")
		}
		return errors.Wrap(err, "failed to get from cache")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached data")
	}
	return nil
}

func (c *Cached) set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal data for cache")
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to set cache")
	}
	return nil
}

func (c *Cached) invalidate(ctx context.Context, collection string) {
	if !c.collections[collection] {
		return
	}
	_ = c.clear(ctx, c.prefix+collection+":*")
}

func (c *Cached) clear(ctx context.Context, pattern string) error {
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.Wrap(err, "failed to clear cache")
		}
	}
	return errors.Wrap(iter.Err(), "failed to iterate over cache keys")
}

var _ Store = (*Cached)(nil)

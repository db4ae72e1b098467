package cycles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const snapshotKeyPrefix = "cycles:snapshots"

// Cache keeps snapshot series in redis. Each cycle has its own version key so
// invalidating one series leaves every other cycle warm.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func versionKey(cycleID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:version", snapshotKeyPrefix, cycleID)
}

func (c *Cache) version(ctx context.Context, cycleID uuid.UUID) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey(cycleID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// Snapshots returns the cached series or populates it through the loader.
// Concurrent misses for the same key share one load.
func (c *Cache) Snapshots(ctx context.Context, cycleID uuid.UUID, loader func(context.Context) ([]Snapshot, error)) ([]Snapshot, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.version(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%s:%d", snapshotKeyPrefix, cycleID, ver)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var out []Snapshot
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	ch := c.group.DoChan(key, func() (interface{}, error) {
		series, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(series)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return series, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Snapshot), nil
	}
}

// Invalidate bumps the cycle's version so the next read reloads.
func (c *Cache) Invalidate(ctx context.Context, cycleID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, versionKey(cycleID)).Err()
}

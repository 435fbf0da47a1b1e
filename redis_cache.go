package s3db

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// PartitionCache accelerates partition scans (§4.5) with a Redis Set per
// scan prefix, mirroring the object-key partition index one-for-one.
// It is never the source of truth: a cache miss or any Redis error falls
// straight back to listing the object store directly, and Resource's
// own writePartitionDiff against the object store always runs first —
// this only shadows that index for faster reads.
type PartitionCache struct {
	redis      *redis.Client
	ownsClient bool
}

// NewPartitionCache wraps an existing Redis client.
func NewPartitionCache(redis *redis.Client) *PartitionCache {
	return &PartitionCache{redis: redis}
}

// NewPartitionCacheWithOwnedClient wraps a Redis client that Close will
// also close.
func NewPartitionCacheWithOwnedClient(redis *redis.Client) *PartitionCache {
	return &PartitionCache{redis: redis, ownsClient: true}
}

func (c *PartitionCache) setKey(prefix string) string {
	return "s3db:partcache:" + prefix
}

// Members returns the cached id list for a scan prefix. ok is false on
// any Redis error, an absent key, or a nil client, signaling the caller
// to fall back to a real listing (and then call Populate).
func (c *PartitionCache) Members(ctx context.Context, prefix string) ([]string, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	key := c.setKey(prefix)
	exists, err := c.redis.Exists(ctx, key).Result()
	if err != nil || exists == 0 {
		return nil, false
	}
	raw, err := c.redis.SMembers(ctx, key).Result()
	if err != nil {
		return nil, false
	}
	members := make([]string, 0, len(raw))
	for _, m := range raw {
		if m != "" {
			members = append(members, m)
		}
	}
	return members, true
}

// Populate seeds the cache for a scan prefix after a real listing. A
// prefix with zero ids still gets a marker member so a subsequent
// Members call distinguishes "known empty" from "not cached yet" —
// without it every empty partition would thrash the object store on
// every list.
func (c *PartitionCache) Populate(ctx context.Context, prefix string, ids []string) {
	if c == nil || c.redis == nil {
		return
	}
	key := c.setKey(prefix)
	pipe := c.redis.Pipeline()
	pipe.Del(ctx, key)
	if len(ids) == 0 {
		pipe.SAdd(ctx, key, "")
	} else {
		members := make([]interface{}, len(ids))
		for i, id := range ids {
			members[i] = id
		}
		pipe.SAdd(ctx, key, members...)
	}
	_, _ = pipe.Exec(ctx)
}

// Add incrementally adds id to the cached set for prefix, if cached.
func (c *PartitionCache) Add(ctx context.Context, prefix, id string) {
	if c == nil || c.redis == nil {
		return
	}
	_ = c.redis.SAdd(ctx, c.setKey(prefix), id).Err()
}

// Remove incrementally removes id from the cached set for prefix.
func (c *PartitionCache) Remove(ctx context.Context, prefix, id string) {
	if c == nil || c.redis == nil {
		return
	}
	_ = c.redis.SRem(ctx, c.setKey(prefix), id).Err()
}

// Invalidate drops the cached entry for prefix entirely, forcing the
// next scan to rebuild it from the object store.
func (c *PartitionCache) Invalidate(ctx context.Context, prefix string) {
	if c == nil || c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, c.setKey(prefix)).Err()
}

// Close releases resources held by the cache.
func (c *PartitionCache) Close() error {
	if c.ownsClient && c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

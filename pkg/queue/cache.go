package queue

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// The cache namespace shares the queue's client but not its failure
// semantics: a cache outage degrades reads to the store and must never
// compromise the write path, so every operation here is fail-open.

// CacheGet returns the cached value, or nil on miss or cache failure.
func (q *Queue) CacheGet(ctx context.Context, key string) []byte {
	val, err := q.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			level.Warn(q.logger).Log("msg", "cache read failed", "key", key, "err", err)
		}
		return nil
	}
	return val
}

// CacheSet stores a value with a TTL, best effort.
func (q *Queue) CacheSet(ctx context.Context, key string, val []byte, ttl time.Duration) {
	if err := q.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		level.Warn(q.logger).Log("msg", "cache write failed", "key", key, "err", err)
	}
}

// CacheQueryTTL is the TTL for query-result cache entries.
func (q *Queue) CacheQueryTTL() time.Duration { return q.cfg.CacheQueryTTL }

// CacheStatsTTL is the TTL for the stats summary entry.
func (q *Queue) CacheStatsTTL() time.Duration { return q.cfg.CacheStatsTTL }

// CacheDel drops a key, best effort.
func (q *Queue) CacheDel(ctx context.Context, key string) {
	if err := q.rdb.Del(ctx, key).Err(); err != nil {
		level.Warn(q.logger).Log("msg", "cache delete failed", "key", key, "err", err)
	}
}

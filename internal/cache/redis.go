// Package cache implements the fast-tier Backend (spec.md §6) on Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-redis/redis/v8"

	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/metrics"
	"github.com/deepstream-io/recordd/internal/record"
)

// RedisCache is a record.Backend backed by a single Redis instance. Each
// record name maps to one Redis key holding the JSON-encoded Entry.
type RedisCache struct {
	client *redis.Client
}

// New creates a RedisCache connected to addr ("host:port").
func New(addr string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// NewWithClient wraps an already-configured *redis.Client, useful for tests
// against miniredis or a shared connection pool.
func NewWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Get implements record.Backend. A missing key completes with a nil entry
// and nil error, per spec.md §4.3 ("not-found is not an error").
func (c *RedisCache) Get(ctx context.Context, name string, cb func(entry *record.Entry, err error)) {
	go func() {
		raw, err := c.client.Get(ctx, name).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			metrics.CacheOpsTotal.WithLabelValues("get", "miss").Inc()
			cb(nil, nil)
			return
		case err != nil:
			metrics.CacheOpsTotal.WithLabelValues("get", "error").Inc()
			log.WithComponent("cache").Error().Err(err).Str("record", name).Msg("cache get failed")
			cb(nil, err)
			return
		}

		var entry record.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			metrics.CacheOpsTotal.WithLabelValues("get", "error").Inc()
			cb(nil, err)
			return
		}
		metrics.CacheOpsTotal.WithLabelValues("get", "hit").Inc()
		cb(&entry, nil)
	}()
}

// Set implements record.Backend.
func (c *RedisCache) Set(ctx context.Context, name string, entry record.Entry, cb func(err error)) {
	go func() {
		raw, err := json.Marshal(entry)
		if err != nil {
			cb(err)
			return
		}
		err = c.client.Set(ctx, name, raw, 0).Err()
		if err != nil {
			metrics.CacheOpsTotal.WithLabelValues("set", "error").Inc()
			log.WithComponent("cache").Error().Err(err).Str("record", name).Msg("cache set failed")
		} else {
			metrics.CacheOpsTotal.WithLabelValues("set", "ok").Inc()
		}
		cb(err)
	}()
}

// Delete implements record.Backend.
func (c *RedisCache) Delete(ctx context.Context, name string, cb func(err error)) {
	go func() {
		err := c.client.Del(ctx, name).Err()
		if err != nil {
			metrics.CacheOpsTotal.WithLabelValues("delete", "error").Inc()
			log.WithComponent("cache").Error().Err(err).Str("record", name).Msg("cache delete failed")
		} else {
			metrics.CacheOpsTotal.WithLabelValues("delete", "ok").Inc()
		}
		cb(err)
	}()
}

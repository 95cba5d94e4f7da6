// Package cache provides the redis-backed cache for the public global
// counters. The cache is optional; when no redis address is configured the
// stats endpoint counts directly from storage.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/CandorWorksLab/entwine/backend/internal/overlap"
	"github.com/redis/go-redis/v9"
)

const globalStatsKey = "stats:global"

// StatsCache stores the serialized global counters with a TTL.
type StatsCache struct {
	client *redis.Client
}

// NewStatsCache initializes a redis client for the given address. Password
// and DB selection are optional.
func NewStatsCache(addr, password string, db int) *StatsCache {
	opts := &redis.Options{Addr: addr}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}
	return &StatsCache{client: redis.NewClient(opts)}
}

// Ping verifies connectivity at startup.
func (c *StatsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (c *StatsCache) Close() error {
	return c.client.Close()
}

// GetGlobalStats returns the cached counters, or nil on a miss.
func (c *StatsCache) GetGlobalStats(ctx context.Context) (*overlap.GlobalStats, error) {
	payload, err := c.client.Get(ctx, globalStatsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stats overlap.GlobalStats
	if err := json.Unmarshal([]byte(payload), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SetGlobalStats stores the counters for the given TTL.
func (c *StatsCache) SetGlobalStats(ctx context.Context, stats overlap.GlobalStats, ttl time.Duration) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, globalStatsKey, payload, ttl).Err()
}

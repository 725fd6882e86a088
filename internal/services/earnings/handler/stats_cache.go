package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"canopy-ledger/internal/services/earnings/ledger"
)

const EARNER_STATS_VERSION_PREFIX = "earner_stats_version:"

// statsCache stores dashboards under a per-account version. Invalidation bumps the
// version, so a dashboard loaded before a commit is written under a version no reader
// asks for again.
type statsCache interface {
	Version(ctx context.Context, key ledger.AccountKey) (int64, error)
	Get(ctx context.Context, key ledger.AccountKey, version int64) ([]byte, bool, error)
	Set(ctx context.Context, key ledger.AccountKey, version int64, data []byte, ttl time.Duration) error
	Bump(ctx context.Context, key ledger.AccountKey) error
}

type redisStatsCache struct {
	client redis.UniversalClient
}

func versionKey(key ledger.AccountKey) string {
	return fmt.Sprintf("%s%s:%s", EARNER_STATS_VERSION_PREFIX, key.Class, key.EarnerID)
}

func cacheKey(key ledger.AccountKey, version int64) string {
	return fmt.Sprintf("%s%s:%s:v%d", EARNER_STATS_CACHE_PREFIX, key.Class, key.EarnerID, version)
}

func (c redisStatsCache) Version(ctx context.Context, key ledger.AccountKey) (int64, error) {
	n, err := c.client.Get(ctx, versionKey(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (c redisStatsCache) Get(ctx context.Context, key ledger.AccountKey, version int64) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(key, version)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c redisStatsCache) Set(ctx context.Context, key ledger.AccountKey, version int64, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, cacheKey(key, version), data, ttl).Err()
}

func (c redisStatsCache) Bump(ctx context.Context, key ledger.AccountKey) error {
	return c.client.Incr(ctx, versionKey(key)).Err()
}

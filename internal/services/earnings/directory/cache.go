package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const USER_CACHE_PREFIX = "earnings:user:"

// CachedUsers fronts a UserDirectory with redis. Cache failures fall through to the
// underlying directory.
type CachedUsers struct {
	next   UserDirectory
	redis  redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedUsers(next UserDirectory, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedUsers {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedUsers{next: next, redis: client, ttl: ttl, logger: logger}
}

func (c *CachedUsers) Lookup(ctx context.Context, userID string) (User, error) {
	cacheKey := fmt.Sprintf("%s%s", USER_CACHE_PREFIX, userID)

	val, err := c.redis.Get(ctx, cacheKey).Result()
	if err == nil {
		var cached User
		if err := json.Unmarshal([]byte(val), &cached); err == nil {
			return cached, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("user cache read failed", slog.String("key", cacheKey), slog.Any("error", err))
	}

	u, err := c.next.Lookup(ctx, userID)
	if err != nil {
		return User{}, err
	}

	if data, err := json.Marshal(u); err == nil {
		if err := c.redis.Set(ctx, cacheKey, data, c.ttl).Err(); err != nil {
			c.logger.Warn("user cache write failed", slog.String("key", cacheKey), slog.Any("error", err))
		}
	}
	return u, nil
}

package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const JOB_CHECKPOINT_PREFIX = "earnings:jobs:"

// Checkpoint remembers how far a batch job got so a rerun resumes after the last
// committed earner.
type Checkpoint interface {
	Load(ctx context.Context, job string) (string, error)
	Save(ctx context.Context, job, cursor string) error
}

type RedisCheckpoint struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

func NewRedisCheckpoint(client redis.UniversalClient, ttl time.Duration) *RedisCheckpoint {
	if ttl <= 0 {
		ttl = 45 * 24 * time.Hour
	}
	return &RedisCheckpoint{redis: client, ttl: ttl}
}

func (c *RedisCheckpoint) Load(ctx context.Context, job string) (string, error) {
	val, err := c.redis.Get(ctx, JOB_CHECKPOINT_PREFIX+job).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *RedisCheckpoint) Save(ctx context.Context, job, cursor string) error {
	return c.redis.Set(ctx, JOB_CHECKPOINT_PREFIX+job, cursor, c.ttl).Err()
}

type MemoryCheckpoint struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewMemoryCheckpoint() *MemoryCheckpoint {
	return &MemoryCheckpoint{cursors: map[string]string{}}
}

func (c *MemoryCheckpoint) Load(_ context.Context, job string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[job], nil
}

func (c *MemoryCheckpoint) Save(_ context.Context, job, cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[job] = cursor
	return nil
}

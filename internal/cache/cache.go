package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/compressd/internal/config"
	"github.com/kiranshivaraju/compressd/internal/connmgr"
	"github.com/redis/go-redis/v9"
)

// defaultWaitTimeout bounds how long a cache call waits for Redis to come up.
// A cache that is still connecting behaves like a miss, not a stall.
const defaultWaitTimeout = 250 * time.Millisecond

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID string) ([]byte, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9. The client is
// owned by a connmgr.Manager and fetched per call.
type RedisCache struct {
	conn        *connmgr.Manager[*redis.Client]
	waitTimeout time.Duration
}

// NewRedisCache creates a new RedisCache over a connection manager.
func NewRedisCache(conn *connmgr.Manager[*redis.Client]) *RedisCache {
	return &RedisCache{conn: conn, waitTimeout: defaultWaitTimeout}
}

// WithWaitTimeout overrides how long each call waits for a connection.
func (c *RedisCache) WithWaitTimeout(d time.Duration) *RedisCache {
	c.waitTimeout = d
	return c
}

// Connector describes the Redis connection for a connmgr.Manager. A dial
// succeeds once the server answers PING.
func Connector(cfg config.RedisConfig) (*connmgr.Config[*redis.Client], error) {
	if cfg.URL == "" {
		return nil, &connmgr.ConfigurationError{Component: "redis", Field: "REDIS_URL"}
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &connmgr.Config[*redis.Client]{
		Name: "redis",
		Dial: func(ctx context.Context) (*redis.Client, error) {
			client := redis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				client.Close()
				return nil, fmt.Errorf("ping redis: %w", err)
			}
			return client, nil
		},
		Close: func(client *redis.Client) { client.Close() },
	}, nil
}

func (c *RedisCache) client(ctx context.Context) (*redis.Client, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()
	client, err := c.conn.AwaitReady(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("await redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	client, err := c.client(ctx)
	if err != nil {
		return nil, false, err
	}
	val, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	return client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error {
	return c.Set(ctx, JobStatusKey(jobID), payload, ttl)
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID string) ([]byte, bool, error) {
	return c.Get(ctx, JobStatusKey(jobID))
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	client, err := c.client(ctx)
	if err != nil {
		return 0, err
	}
	pipe := client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

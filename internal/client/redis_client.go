package client

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"charity-auth-service/internal/config"
	"charity-auth-service/internal/util"
)

type RedisClient struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisClient initializes a Redis client from the configured URL.
func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	redisConfig := cfg.Redis

	opts, err := redis.ParseURL(redisConfig.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Only set password if not already in URL
	if opts.Password == "" && redisConfig.Password != "" {
		opts.Password = redisConfig.Password
	}

	opts.DB = redisConfig.DB
	opts.PoolSize = redisConfig.PoolSize
	opts.MinIdleConns = redisConfig.PoolSize / 2
	if opts.MinIdleConns < 10 {
		opts.MinIdleConns = 10
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	return &RedisClient{
		Client: redis.NewClient(opts),
		config: &redisConfig,
	}, nil
}

func (c *RedisClient) HealthCheck(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (c *RedisClient) Close() error {
	if c.Client != nil {
		if err := c.Client.Close(); err != nil {
			return err
		}
		util.Info("Redis client closed")
	}
	return nil
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.Client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key not found: %s", key)
	}
	return val, err
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	return c.Client.Del(ctx, keys...).Err()
}

// IncrWithExpire increments a counter and sets its TTL on first increment.
func (c *RedisClient) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Client.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.Client.TTL(ctx, key).Result()
}

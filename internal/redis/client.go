// Package redis holds the Redis-backed guards around the pipeline: ingestion idempotency,
// producer rate limits and work-queue job reservations.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultKeyPrefix = "propline:"

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// KeyPrefix namespaces every key this package writes. Defaults to "propline:".
	KeyPrefix string
	PoolSize  int
}

// Client wraps go-redis with the key namespace shared by all services in this package.
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// New connects to Redis and verifies it answers a ping.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("addr", rdb.Options().Addr),
		zap.Int("db", cfg.DB),
		zap.String("key_prefix", cfg.KeyPrefix),
	)

	return newClient(rdb, cfg.KeyPrefix, logger), nil
}

func newClient(rdb *redis.Client, prefix string, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, prefix: prefix, logger: logger}
}

// key joins parts under the client prefix: key("job", "email:x") is "propline:job:email:x".
func (c *Client) key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable; the health endpoint uses it.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

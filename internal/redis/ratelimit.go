package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	Limit  int           // requests allowed per window
	Window time.Duration // sliding window length
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, counts it, and records n requests only if they fit.
// Running it as one script keeps the count and the insert atomic across replicas.
//
// KEYS[1] window key
// ARGV[1] window start (µs), ARGV[2] now (µs), ARGV[3] member prefix,
// ARGV[4] limit, ARGV[5] n, ARGV[6] key ttl (ms)
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
local count = redis.call('ZCARD', key)
local limit = tonumber(ARGV[4])
local n = tonumber(ARGV[5])
if count + n > limit then
	return {0, count}
end
for i = 1, n do
	redis.call('ZADD', key, ARGV[2], ARGV[3] .. '-' .. i)
end
redis.call('PEXPIRE', key, ARGV[6])
return {1, count}
`)

// RateLimiter is a sliding-window limiter over a Redis sorted set. The ingestion API keys
// it per producer so a runaway upstream service cannot flood the event log.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN admits n requests at once or none of them.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	ttl := r.config.Window + time.Second

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{r.client.key("ratelimit", key)},
		windowStart.UnixMicro(),
		now.UnixMicro(),
		now.UnixNano(),
		r.config.Limit,
		n,
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis rate limit script: unexpected reply %v", res)
	}

	allowed := res[0] == 1
	count := int(res[1])
	result := &RateLimitResult{
		Allowed: allowed,
		Limit:   r.config.Limit,
		ResetAt: now.Add(r.config.Window),
	}

	if !allowed {
		result.Remaining = max(0, r.config.Limit-count)
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
		return result, nil
	}

	result.Remaining = r.config.Limit - count - n
	return result, nil
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"admin-auth-service/internal/client"
	"admin-auth-service/internal/repository"
	"admin-auth-service/internal/util"
)

const rateLimitPrefix = "admin_rate_limit:"

// slidingWindowScript trims the window, then records the hit only if it fits.
// KEYS[1] window key; ARGV: now_ms, window_start_ms, limit, ttl_seconds, member.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local current_count = redis.call('ZCARD', key)
if current_count < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('EXPIRE', key, tonumber(ARGV[4]))
	return {1, current_count + 1}
end
return {0, current_count}
`

type RateLimitCache struct {
	client *client.RedisClient
	now    func() time.Time
}

var _ repository.RateLimiter = (*RateLimitCache)(nil)

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client, now: time.Now}
}

// Allow records a hit for key unless limit hits already fall inside window.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := c.now().UnixMilli()
	windowStart := now - window.Milliseconds()
	ttlSeconds := int64(window.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := c.client.Eval(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now, windowStart, limit, ttlSeconds, uuid.NewString())
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}
	allowedFlag, ok1 := values[0].(int64)
	count, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("unexpected result types from sliding window script")
	}

	util.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", allowedFlag == 1),
		zap.Int64("current_count", count),
		zap.Int("limit", limit))

	return allowedFlag == 1, int(count), nil
}

// Reset forgets every hit recorded for key.
func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

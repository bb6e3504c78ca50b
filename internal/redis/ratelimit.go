package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims, counts and admits in one round trip so concurrent
// registrations from one client cannot both slip under the limit.
// Scores are microseconds to stay inside Lua's float precision.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local nonce = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count + n > limit then
	return {0, limit - count}
end

for i = 1, n do
	redis.call('ZADD', key, now, nonce .. ':' .. i)
end
redis.call('PEXPIRE', key, math.floor(window / 1000) + 1000)
return {1, limit - count - n}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	vals, err := slidingWindow.Run(ctx, r.client.rdb, []string{redisKey},
		now.UnixMicro(),
		r.config.Window.Microseconds(),
		r.config.Limit,
		n,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("redis rate limit script returned %d values", len(vals))
	}

	result := &RateLimitResult{
		Allowed:   vals[0] == 1,
		Limit:     r.config.Limit,
		Remaining: max(0, int(vals[1])),
		ResetAt:   now.Add(r.config.Window),
	}

	if !result.Allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
	}

	return result, nil
}

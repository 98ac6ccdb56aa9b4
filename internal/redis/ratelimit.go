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
	Limit  int           // Maximum events allowed per window
	Window time.Duration // Sliding window length
	Prefix string        // Key namespace, defaults to "ratelimit"
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, counts it and records n events only if
// they fit, all in one round trip. Scores are microseconds so they stay
// exact in a double.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count + n > limit then
  return {0, limit - count}
end
for i = 1, n do
  redis.call('ZADD', key, now, member .. ':' .. i)
end
redis.call('PEXPIRE', key, math.floor(window / 1000) + 1000)
return {1, limit - count - n}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
// It backs both the transport send quota and the API request limit.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	if config.Prefix == "" {
		config.Prefix = "ratelimit"
	}
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks whether one more event fits in the window for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks whether n events fit and records them if so.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	redisKey := fmt.Sprintf("%s:%s", r.config.Prefix, key)

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{redisKey},
		now.UnixMicro(),
		r.config.Window.Microseconds(),
		r.config.Limit,
		n,
		fmt.Sprintf("%d-%s", now.UnixMicro(), uuid.NewString()[:8]),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	result := &RateLimitResult{
		Allowed:   res[0] == 1,
		Remaining: max(0, int(res[1])),
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

// Limit returns the configured window capacity.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowLua counts requests in a sorted set keyed by timestamp. It
// admits a request when fewer than ARGV[3] fall within the last ARGV[2]
// microseconds and returns {admitted, count}.
const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, ARGV[4])
    redis.call('PEXPIRE', key, math.ceil(window / 1000))
    return {1, count + 1}
end
return {0, count}
`

// waitPollInterval is how often Wait retries a denied request.
const waitPollInterval = 25 * time.Millisecond

// RateLimiter is a sliding-window request budget shared by every process
// using the same key, typically one per RPC endpoint.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	key    string
	limit  int
	window time.Duration
	seq    atomic.Uint64
}

// NewRateLimiter allows limit requests per window under key.
func NewRateLimiter(c *Client, key string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:    c.rdb,
		script: redis.NewScript(slidingWindowLua),
		key:    c.Key("ratelimit", key),
		limit:  limit,
		window: window,
	}
}

// Allow counts one request if the budget has room.
func (rl *RateLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixMicro()
	member := fmt.Sprintf("%d-%d", now, rl.seq.Add(1))
	result, err := rl.script.Run(ctx, rl.rdb, []string{rl.key},
		now, rl.window.Microseconds(), rl.limit, member,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", rl.key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected result length %d", rl.key, len(result))
	}
	return result[0] == 1, nil
}

// Wait blocks until a request is admitted or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		allowed, err := rl.Allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("redis: rate limit wait %s: %w", rl.key, ctx.Err())
		case <-timer.C:
		}
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript performs the sliding-window read-modify-write
// atomically in Redis, adapted from the teacher's token-bucket Lua
// script (rate-limiter/gateway/ratelimiter/token_bucket.go): the same
// "evict, check, record, set a TTL" shape, applied to a sorted set of
// request timestamps instead of a token-count hash, so the algorithm
// matches spec §4.8's sliding window rather than a token bucket.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local min_delay = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local latest = redis.call('ZREVRANGE', key, 0, 0, 'WITHSCORES')

local allowed = 0
local retry_after = 0

if count >= max_requests then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	retry_after = window - (now - tonumber(oldest[2]))
elseif #latest > 0 and (now - tonumber(latest[2])) < min_delay then
	retry_after = min_delay - (now - tonumber(latest[2]))
else
	redis.call('ZADD', key, now, member)
	redis.call('EXPIRE', key, math.ceil(window) + 1)
	allowed = 1
end

return {allowed, count, retry_after}
`)

// RedisSlidingWindow is the distributed counterpart to SlidingWindow, for
// when multiple ingestion workers share a single provider's rate budget.
// Safe for concurrent callers across processes: the script above performs
// the whole evict-check-record sequence as one atomic Redis call.
type RedisSlidingWindow struct {
	client      redis.Cmdable
	key         string
	maxRequests int64
	window      time.Duration
	minDelay    time.Duration
}

// NewRedisSlidingWindow creates a distributed limiter keyed by key
// (typically "ratelimit:{provider}").
func NewRedisSlidingWindow(client redis.Cmdable, key string, maxRequests int64, window, minDelay time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{client: client, key: key, maxRequests: maxRequests, window: window, minDelay: minDelay}
}

// WaitForSlot polls the Redis-side sliding window, sleeping for the
// server-reported retry-after between attempts, until granted a slot or
// ctx is cancelled.
func (w *RedisSlidingWindow) WaitForSlot(ctx context.Context) error {
	for {
		allowed, retryAfter, err := w.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = 10 * time.Millisecond
		}
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *RedisSlidingWindow) tryAcquire(ctx context.Context) (allowed bool, retryAfter time.Duration, err error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	member := fmt.Sprintf("%d-%d", time.Now().UnixNano(), int64(now*1e6)%1_000_000)

	result, err := slidingWindowScript.Run(ctx, w.client, []string{w.key},
		w.maxRequests,
		w.window.Seconds(),
		now,
		w.minDelay.Seconds(),
		member,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis sliding window: %w", err)
	}

	return result[0] == 1, time.Duration(float64(time.Second) * float64(result[2])), nil
}

// RecordRequest accounts for a request made outside WaitForSlot by
// inserting a timestamp directly, using the same key and expiry the
// script maintains.
func (w *RedisSlidingWindow) RecordRequest() {
	ctx := context.Background()
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	member := fmt.Sprintf("ext-%d", time.Now().UnixNano())
	pipe := w.client.Pipeline()
	pipe.ZAdd(ctx, w.key, redis.Z{Score: now, Member: member})
	pipe.Expire(ctx, w.key, w.window+time.Second)
	_, _ = pipe.Exec(ctx)
}

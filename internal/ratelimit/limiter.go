// Package ratelimit implements a Redis-backed token bucket. Handlers call
// Allow explicitly at the top of each endpoint with a scope string (the
// route) and an identifier (client IP or email), instead of relying on
// route middleware, so every limit is visible at its call site.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/auth-service/internal/config"
)

// bucketScript refills and debits one bucket atomically. The clock is
// passed in as ARGV[1] so the script stays deterministic and testable.
//
// KEYS[1] = bucket key
// ARGV    = now_ms, capacity, refill_tokens, interval_ms, ttl_seconds
//
// Returns { allowed, remaining, retry_after_ms }.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now_ms
end

if interval_ms > 0 and refill_tokens > 0 then
  local elapsed = math.max(0, now_ms - last_refill)
  local intervals = math.floor(elapsed / interval_ms)
  if intervals > 0 then
    tokens = math.min(capacity, tokens + (intervals * refill_tokens))
    last_refill = last_refill + (intervals * interval_ms)
  end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  local until_next = interval_ms - (now_ms - last_refill)
  if until_next < 0 then until_next = 0 end
  retry_after_ms = until_next
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// Result reports one Allow decision. RetryAfter is only meaningful when
// Allowed is false.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is a token bucket keyed by (scope, identifier). A nil Redis
// client or a disabled config yields a limiter that allows everything,
// and Redis errors fail open: losing the limiter must never take the
// auth endpoints down with it.
type Limiter struct {
	rdb *redis.Client
	cfg config.RateLimitConfig
	now func() time.Time
}

func NewLimiter(rdb *redis.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg, now: time.Now}
}

func (l *Limiter) key(scope, identifier string) string {
	return l.cfg.Prefix + ":" + scope + ":" + identifier
}

// Allow debits one token from the bucket for (scope, identifier) and
// reports whether the request may proceed.
func (l *Limiter) Allow(ctx context.Context, scope, identifier string) Result {
	if !l.cfg.Enabled || l.rdb == nil {
		return Result{Allowed: true}
	}

	args := []interface{}{
		l.now().UnixMilli(),
		l.cfg.Capacity,
		l.cfg.RefillTokens,
		l.cfg.RefillInterval.Milliseconds(),
		int64(l.cfg.TTL / time.Second),
	}
	vals, err := bucketScript.Run(ctx, l.rdb, []string{l.key(scope, identifier)}, args...).Result()
	if err != nil {
		return Result{Allowed: true}
	}

	arr, ok := vals.([]interface{})
	if !ok || len(arr) != 3 {
		return Result{Allowed: true}
	}
	res := Result{
		Allowed:   asInt64(arr[0]) == 1,
		Remaining: asInt64(arr[1]),
	}
	if !res.Allowed {
		retryMs := asInt64(arr[2])
		secs := int64(math.Ceil(float64(retryMs) / 1000.0))
		if secs < 1 {
			secs = 1
		}
		res.RetryAfter = time.Duration(secs) * time.Second
	}
	return res
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

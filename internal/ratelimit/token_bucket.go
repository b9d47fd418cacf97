// Package ratelimit throttles outbound calls to the generation services with a
// token bucket shared through Redis, so every process draining the queue draws
// from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"storyboard-sync/internal/apperr"
	"storyboard-sync/internal/telemetry"
)

// TokenBucket is a distributed token bucket keyed by remote operation.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// Decision is the outcome of one token request.
type Decision struct {
	Allowed bool
	Tokens  float64
	// RetryAfter is how long until a token is available. Zero when allowed
	// or when the bucket never refills.
	RetryAfter time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "ratelimit:",
		now:      time.Now,
	}
}

// Allow consumes a single token for key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) < 3 {
		return Decision{}, fmt.Errorf("unexpected reply from bucket script: %v", res)
	}
	flag, _ := res[0].(int64)
	d := Decision{Allowed: flag == 1}
	if s, ok := res[1].(string); ok {
		d.Tokens, _ = strconv.ParseFloat(s, 64)
	}
	if wait, ok := res[2].(int64); ok && wait > 0 {
		d.RetryAfter = time.Duration(wait) * time.Millisecond
	}
	return d, nil
}

// Take consumes a token for the named remote operation. A denied token is
// reported like a 429 from the service so the action is retried later. Redis
// being unreachable does not block the call.
func (b *TokenBucket) Take(ctx context.Context, operation string) error {
	d, err := b.Allow(ctx, operation)
	if err != nil {
		return nil
	}
	if d.Allowed {
		return nil
	}
	telemetry.RateLimitRejects.Inc()
	msg := fmt.Sprintf("local rate limit reached for %s", operation)
	if d.RetryAfter > 0 {
		msg += fmt.Sprintf(", next token in %s", d.RetryAfter)
	}
	return apperr.HTTP(429, msg)
}

// Tokens are stored as a string field because Lua numbers returned to Redis
// are truncated to integers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  wait = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens), wait}
`)

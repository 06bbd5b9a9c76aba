package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket step modes. modeAllow consumes a token when one is available and
// denies otherwise; modeReserve advances the refill timestamp to reserve the
// next token and returns the wait; modePeek only reports the wait.
const (
	modeAllow = iota
	modeReserve
	modePeek
)

// bucketScript is the atomic token-bucket step. It refills from elapsed wall
// time, then consumes, reserves, or peeks depending on the mode, returning
// the wait in seconds (0 when a token was consumed or is available). Running
// it server-side keeps the read-modify-write in a single round trip; separate
// GET/SET calls would race between processes sharing the budget.
var bucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local mode = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', tokens_key) or burst)
local last = tonumber(redis.call('GET', ts_key) or now)
local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = math.min(burst, tokens + elapsed * rps)

local wait = 0
if tokens >= 1 then
	if mode ~= 2 then
		tokens = tokens - 1
	end
	redis.call('SET', tokens_key, tokens, 'EX', 3600)
	redis.call('SET', ts_key, now, 'EX', 3600)
elseif mode == 1 then
	wait = (1 - tokens) / rps
	redis.call('SET', tokens_key, 0, 'EX', 3600)
	redis.call('SET', ts_key, now + wait, 'EX', 3600)
else
	wait = (1 - tokens) / rps
	redis.call('SET', tokens_key, tokens, 'EX', 3600)
	redis.call('SET', ts_key, now, 'EX', 3600)
end
return tostring(wait)
`)

// RedisLimiter is a token-bucket limiter whose state lives in Redis so that
// multiple processes share one budget. The bucket step runs as a server-side
// script, so the read-modify-write is atomic.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	rps    float64
	burst  int
}

// NewRedisLimiter creates a distributed limiter. Non-positive parameters are
// a configuration error and fail fast.
func NewRedisLimiter(client *redis.Client, prefix string, rps float64, burst int) (*RedisLimiter, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("ratelimit: rate must be positive, got %v", rps)
	}
	if burst <= 0 {
		return nil, fmt.Errorf("ratelimit: burst must be positive, got %d", burst)
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, rps: rps, burst: burst}, nil
}

func (l *RedisLimiter) keys(key string) []string {
	return []string{
		l.prefix + ":" + key + ":tokens",
		l.prefix + ":" + key + ":last_refill",
	}
}

func (l *RedisLimiter) step(ctx context.Context, key string, mode int) (time.Duration, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	res, err := bucketScript.Run(ctx, l.client, l.keys(key), l.rps, l.burst, now, mode).Text()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	var wait float64
	if _, err := fmt.Sscanf(res, "%g", &wait); err != nil {
		return 0, fmt.Errorf("ratelimit: parse script result %q: %w", res, err)
	}
	return time.Duration(wait * float64(time.Second)), nil
}

// Allow reports whether a token is available for key, consuming one if so.
// Redis errors count as denials so an unreachable store fails closed.
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	wait, err := l.step(ctx, key, modeAllow)
	return err == nil && wait == 0
}

// Wait reserves the next token for key and sleeps until it is available or
// the context is cancelled.
func (l *RedisLimiter) Wait(ctx context.Context, key string) error {
	wait, err := l.step(ctx, key, modeReserve)
	if err != nil {
		return err
	}
	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryAfter returns how long a caller would have to wait for a token on key
// without consuming one.
func (l *RedisLimiter) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	return l.step(ctx, key, modePeek)
}

// Burst returns the configured burst capacity.
func (l *RedisLimiter) Burst() int { return l.burst }

package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const defaultLimitPerSec int64 = 10

// gcraScript stores the theoretical arrival time (TAT) of the next send in
// microseconds. A send conforms while the TAT is at most burst-1 intervals
// ahead of now; otherwise the script returns how long to wait, in microseconds.
var gcraScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = tonumber(redis.call("GET", KEYS[1]) or now)
if tat < now then
  tat = now
end

local wait = tat - now - (burst - 1) * interval
if wait > 0 then
  return wait
end

local next_tat = tat + interval
local ttl_ms = math.ceil((next_tat - now) / 1000)
if ttl_ms < 1 then
  ttl_ms = 1
end
redis.call("SET", KEYS[1], next_tat, "PX", ttl_ms)
return 0
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter spaces sends to each subscription evenly at limitPerSec,
// allowing a burst of up to limitPerSec after an idle period. State lives in
// Redis so every engine instance shares one budget per endpoint.
type RedisRateLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	interval    time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	script      *goredis.Script
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(
		client,
		int64(limitPerSec),
		time.Now,
		sleepWithContext,
	)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		interval:    time.Second / time.Duration(limitPerSec),
		now:         nowFn,
		sleep:       sleepFn,
		script:      gcraScript,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, subscriptionID string) (bool, error) {
	wait, err := r.reserve(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	return wait == 0, nil
}

// Wait blocks until the subscription's next slot, sleeping exactly as long as
// Redis reports. Another instance may take the slot first, so it re-checks.
func (r *RedisRateLimiter) Wait(ctx context.Context, subscriptionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		wait, err := r.reserve(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve takes a slot and returns zero, or returns how long until one frees up.
func (r *RedisRateLimiter) reserve(ctx context.Context, subscriptionID string) (time.Duration, error) {
	if r == nil || r.client == nil || r.script == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	id := strings.ToLower(strings.TrimSpace(subscriptionID))
	if id == "" {
		return 0, fmt.Errorf("subscription id is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	result, err := r.script.Run(ctx, r.client, []string{rateLimitKey(id)},
		r.now().UnixMicro(),
		r.interval.Microseconds(),
		r.limitPerSec,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if result <= 0 {
		return 0, nil
	}
	return time.Duration(result) * time.Microsecond, nil
}

func rateLimitKey(subscriptionID string) string {
	return "ratelimit:webhook:" + subscriptionID
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "custody:rl:"

// tokenBucketScript refills lazily from the caller-supplied clock so every
// process sharing the key sees one bucket.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now_ms
end

if now_ms > ts then
  tokens = math.min(capacity, tokens + (now_ms - ts) * rate_per_ms)
  ts = now_ms
end

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait_ms = math.ceil((1 - tokens) / rate_per_ms)
end

redis.call("HSET", key, "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("PEXPIRE", key, ttl_ms)
return {allowed, wait_ms}
`)

// RedisBucket is a token bucket shared by every replica through Redis.
type RedisBucket struct {
	client    *redis.Client
	name      string
	key       string
	capacity  int
	perSecond float64
	observer  WaitObserver
	now       func() time.Time
}

func NewRedisBucket(client *redis.Client, name string, perSecond float64, capacity int, prefix string, observer WaitObserver) *RedisBucket {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &RedisBucket{
		client:    client,
		name:      name,
		key:       prefix + name,
		capacity:  capacity,
		perSecond: perSecond,
		observer:  observer,
		now:       time.Now,
	}
}

// TryAcquire takes a token if one is available and otherwise reports how long
// until the next one.
func (b *RedisBucket) TryAcquire(ctx context.Context) (bool, time.Duration, error) {
	if b.perSecond <= 0 {
		return false, 0, fmt.Errorf("invalid refill rate for %s", b.name)
	}
	perMS := b.perSecond / 1000
	ttl := int64(float64(b.capacity)/perMS) + 1000

	res, err := tokenBucketScript.Run(ctx, b.client, []string{b.key}, b.capacity, perMS, b.now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected redis response")
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis response")
	}
	waitMS, ok := vals[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis response")
	}
	wait := time.Duration(waitMS) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return allowed == 1, wait, nil
}

func (b *RedisBucket) Acquire(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if b.observer != nil {
			b.observer.ObserveLimiterWait(b.name, time.Since(start))
		}
	}()

	for {
		allowed, wait, err := b.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire %s token: %w", b.name, err)
		}
		if allowed {
			return nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

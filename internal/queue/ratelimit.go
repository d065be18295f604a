package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "assistantbridge:"

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter is an hourly fixed-window quota per chat and user.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, chatID, userID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf(keyPrefix+"ratelimit:%d:%d:%s", chatID, userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// IntervalLimiter enforces a minimum spacing between calls of one subject
// within a scope, e.g. 2s between chat sends of a session.
type IntervalLimiter struct {
	redis    *redis.Client
	scope    string
	interval time.Duration
}

func NewIntervalLimiter(rdb *redis.Client, scope string, interval time.Duration) *IntervalLimiter {
	return &IntervalLimiter{redis: rdb, scope: scope, interval: interval}
}

// Allow records the call when permitted; otherwise it reports how long the
// caller has to wait.
func (l *IntervalLimiter) Allow(ctx context.Context, subject string) (bool, time.Duration, error) {
	if l.interval <= 0 {
		return true, 0, nil
	}
	key := keyPrefix + "interval:" + l.scope + ":" + subject
	ok, err := l.redis.SetNX(ctx, key, "1", l.interval).Result()
	if err != nil {
		return false, 0, fmt.Errorf("interval setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	wait, err := l.redis.PTTL(ctx, key).Result()
	if err != nil || wait < 0 {
		wait = l.interval
	}
	return false, wait, nil
}

// Deduplicator remembers keys for a TTL. Telegram update ids and ingestion
// idempotency keys both go through it under different namespaces.
type Deduplicator struct {
	redis     *redis.Client
	namespace string
	ttl       time.Duration
}

func NewDeduplicator(rdb *redis.Client, namespace string, ttl time.Duration) *Deduplicator {
	return &Deduplicator{redis: rdb, namespace: namespace, ttl: ttl}
}

func (d *Deduplicator) key(k string) string {
	return keyPrefix + d.namespace + ":" + k
}

func (d *Deduplicator) MarkFirst(ctx context.Context, key string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, d.key(key), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Release forgets key so a failed operation can be retried with it.
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	if err := d.redis.Del(ctx, d.key(key)).Err(); err != nil {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRateLimiterHourlyQuota(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	rl := NewRateLimiter(rdb, 2)
	now := time.Date(2026, 10, 18, 10, 15, 0, 0, time.UTC)

	for i, want := range []bool{true, true, false} {
		allowed, used, resetAt, err := rl.Allow(ctx, 1, 10, now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i+1, err)
		}
		if allowed != want || used != int64(i+1) {
			t.Fatalf("allow#%d: expected allowed=%v used=%d, got allowed=%v used=%d", i+1, want, i+1, allowed, used)
		}
		if !resetAt.Equal(time.Date(2026, 10, 18, 11, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected reset %v", resetAt)
		}
	}

	allowed, _, _, err := rl.Allow(ctx, 1, 10, now.Add(time.Hour))
	if err != nil || !allowed {
		t.Fatalf("next window should start fresh: allowed=%v err=%v", allowed, err)
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestIntervalLimiter(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	l := NewIntervalLimiter(rdb, "send", 2*time.Second)

	ok, _, err := l.Allow(ctx, "session-a")
	if err != nil || !ok {
		t.Fatalf("first call should pass: ok=%v err=%v", ok, err)
	}
	ok, wait, err := l.Allow(ctx, "session-a")
	if err != nil || ok {
		t.Fatalf("second call inside interval should be denied: ok=%v err=%v", ok, err)
	}
	if wait <= 0 || wait > 2*time.Second {
		t.Fatalf("unexpected wait %v", wait)
	}

	ok, _, err = l.Allow(ctx, "session-b")
	if err != nil || !ok {
		t.Fatalf("other sessions are independent: ok=%v err=%v", ok, err)
	}

	mr.FastForward(2100 * time.Millisecond)
	ok, _, err = l.Allow(ctx, "session-a")
	if err != nil || !ok {
		t.Fatalf("call after interval should pass: ok=%v err=%v", ok, err)
	}
}

func TestDeduplicator(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	d := NewDeduplicator(rdb, "ingest", time.Minute)

	first, err := d.MarkFirst(ctx, "cfg1:abc")
	if err != nil || !first {
		t.Fatalf("expected first mark: %v %v", first, err)
	}
	again, err := d.MarkFirst(ctx, "cfg1:abc")
	if err != nil || again {
		t.Fatalf("expected duplicate: %v %v", again, err)
	}
	if err := d.Release(ctx, "cfg1:abc"); err != nil {
		t.Fatalf("release: %v", err)
	}
	afterRelease, err := d.MarkFirst(ctx, "cfg1:abc")
	if err != nil || !afterRelease {
		t.Fatalf("expected key to be usable after release: %v %v", afterRelease, err)
	}
}

package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBucketRefills(t *testing.T) {
	client := newTestRedis(t)
	b := NewRedisBucket(client, "chain", 1, 2, "test:rl:", nil)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := b.TryAcquire(ctx)
		if err != nil {
			t.Fatalf("try acquire %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected token %d to be available", i)
		}
	}

	allowed, wait, err := b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if allowed {
		t.Fatalf("expected bucket to be empty")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("unexpected wait %s", wait)
	}

	now = now.Add(time.Second)
	allowed, _, err = b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("try acquire after refill: %v", err)
	}
	if !allowed {
		t.Fatalf("expected refill after one second")
	}
}

func TestRedisBucketSharedAcrossInstances(t *testing.T) {
	client := newTestRedis(t)
	now := time.Unix(1_700_000_000, 0)
	a := NewRedisBucket(client, "chain", 1, 1, "test:rl:", nil)
	b := NewRedisBucket(client, "chain", 1, 1, "test:rl:", nil)
	a.now = func() time.Time { return now }
	b.now = func() time.Time { return now }

	allowed, _, err := a.TryAcquire(context.Background())
	if err != nil || !allowed {
		t.Fatalf("first instance should get the token: allowed=%v err=%v", allowed, err)
	}
	allowed, _, err = b.TryAcquire(context.Background())
	if err != nil {
		t.Fatalf("second instance: %v", err)
	}
	if allowed {
		t.Fatalf("second instance should share the drained bucket")
	}
}

func TestRedisBucketAcquireRespectsContext(t *testing.T) {
	client := newTestRedis(t)
	b := NewRedisBucket(client, "db", 0.001, 1, "test:rl:", nil)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := b.Acquire(ctx); err == nil {
		t.Fatalf("expected context error while waiting for a token")
	}
}

package rate

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingObserver) ObserveLimiterWait(name string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func TestTokenBucketAllowsBurst(t *testing.T) {
	obs := &recordingObserver{}
	b := NewTokenBucket("chain", 1, 3, obs)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if len(obs.names) != 3 || obs.names[0] != "chain" {
		t.Fatalf("expected 3 observations for chain, got %v", obs.names)
	}
}

func TestTokenBucketHonorsCancellation(t *testing.T) {
	b := NewTokenBucket("db", 0.1, 1, nil)
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Acquire(ctx); err == nil {
		t.Fatalf("expected error once bucket is empty and context expires")
	}
}

func TestUnlimited(t *testing.T) {
	if err := (Unlimited{}).Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Unlimited{}).Acquire(ctx); err == nil {
		t.Fatalf("expected canceled context error")
	}
}

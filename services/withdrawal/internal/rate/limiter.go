// Package rate bounds how often the withdrawal service touches the chain API
// and the ledger database. Callers suspend in Acquire until a token is free.
package rate

import (
	"context"
	"time"

	xrate "golang.org/x/time/rate"
)

// Limiter is satisfied by every bucket in this package.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// WaitObserver receives how long a caller was suspended.
type WaitObserver interface {
	ObserveLimiterWait(name string, wait time.Duration)
}

// TokenBucket is a process-local bucket with fixed capacity and refill rate.
type TokenBucket struct {
	name     string
	limiter  *xrate.Limiter
	observer WaitObserver
}

func NewTokenBucket(name string, perSecond float64, burst int, observer WaitObserver) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		name:     name,
		limiter:  xrate.NewLimiter(xrate.Limit(perSecond), burst),
		observer: observer,
	}
}

func (b *TokenBucket) Acquire(ctx context.Context) error {
	start := time.Now()
	err := b.limiter.Wait(ctx)
	if b.observer != nil {
		b.observer.ObserveLimiterWait(b.name, time.Since(start))
	}
	return err
}

// Unlimited never suspends. Used by tests and by tools that run outside the
// service's quota.
type Unlimited struct{}

func (Unlimited) Acquire(ctx context.Context) error {
	return ctx.Err()
}

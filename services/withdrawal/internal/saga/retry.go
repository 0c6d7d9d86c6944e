package saga

import (
	"context"
	"errors"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsRetryable reports whether a step that failed with err may be attempted
// again. Validation failures are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrInDoubt) || errors.Is(err, ErrNotYetOnChain) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if chain.IsTransient(err) || storage.IsRetryablePgError(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// retry runs fn until it succeeds, fails permanently, or the configured
// attempts run out. Each attempt gets its own timeout.
func (e *Executor) retry(ctx context.Context, step string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryInitial
	policy.MaxInterval = e.cfg.RetryMax
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		if attempt > 1 {
			e.metrics.IncStepRetry(step)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		e.logger.Warn("saga step attempt failed", "step", step, "attempt", attempt, "error", err)
		return err
	}

	maxRetries := uint64(0)
	if e.cfg.StepAttempts > 1 {
		maxRetries = uint64(e.cfg.StepAttempts - 1)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
}

package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
)

// SendOnce submits t at most once under key and returns its transaction id.
// The signed transaction is persisted before it is sent, so a replay
// re-submits the same bytes instead of signing a second transfer.
func (r *run) SendOnce(ctx context.Context, key string, t chain.Transfer) (string, error) {
	if sub := r.prog.Submissions[key]; sub != nil {
		if sub.Accepted {
			return sub.Tx.TxID, nil
		}
		if sub.Tx != nil {
			accepted, err := r.resubmit(ctx, sub)
			if err != nil {
				return "", err
			}
			if accepted {
				sub.Accepted = true
				r.checkpointQuietly(ctx, "tx_accepted", key+" "+sub.Tx.TxID)
				return sub.Tx.TxID, nil
			}
			r.e.logger.Warn("submission dropped", "saga_id", r.rec.ID, "key", key, "tx_id", sub.Tx.TxID)
			delete(r.prog.Submissions, key)
			if err := r.checkpoint(ctx, "tx_dropped", key+" "+sub.Tx.TxID); err != nil {
				return "", err
			}
		}
	}

	tx, err := r.e.chain.Prepare(ctx, t)
	if err != nil {
		return "", err
	}
	sub := &Submission{Key: key, Transfer: t, Tx: &tx}
	r.prog.Submissions[key] = sub
	if err := r.checkpoint(ctx, "tx_prepared", key+" "+tx.TxID); err != nil {
		delete(r.prog.Submissions, key)
		return "", err
	}

	if err := r.e.chain.Submit(ctx, tx); err != nil {
		if refused(err) {
			delete(r.prog.Submissions, key)
			r.checkpointQuietly(ctx, "tx_refused", key+" "+tx.TxID)
			return "", err
		}
		return "", fmt.Errorf("%w: %s (%s): %w", ErrInDoubt, key, tx.TxID, err)
	}
	sub.Accepted = true
	r.checkpointQuietly(ctx, "tx_accepted", key+" "+tx.TxID)
	return tx.TxID, nil
}

// resubmit re-sends a persisted transaction. It reports accepted=false only
// when the transaction can no longer land.
func (r *run) resubmit(ctx context.Context, sub *Submission) (bool, error) {
	err := r.e.chain.Submit(ctx, *sub.Tx)
	if err == nil {
		return true, nil
	}
	landed, lerr := r.landed(ctx, sub)
	if lerr != nil {
		return false, fmt.Errorf("%w: %s (%s): %w", ErrInDoubt, sub.Key, sub.Tx.TxID, errors.Join(err, lerr))
	}
	return landed, nil
}

// landed reports whether sub's transaction is on chain. It returns
// ErrNotYetOnChain while the transaction is absent but could still land.
func (r *run) landed(ctx context.Context, sub *Submission) (bool, error) {
	found, err := r.e.chain.LookupTransaction(ctx, sub.Tx.TxID)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}
	if r.e.now().After(sub.Tx.Expiration) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s", ErrNotYetOnChain, sub.Tx.TxID)
}

// AwaitLanded polls until the accepted submission under key is on chain. A
// transaction that expired without landing is dropped so the next attempt
// prepares a fresh one.
func (r *run) AwaitLanded(ctx context.Context, key string) error {
	sub := r.prog.Submissions[key]
	if sub == nil || sub.Tx == nil {
		return fmt.Errorf("%w: nothing submitted under %s", ErrNotYetOnChain, key)
	}
	for {
		landed, err := r.landed(ctx, sub)
		switch {
		case err == nil && landed:
			return nil
		case err == nil:
			delete(r.prog.Submissions, key)
			r.checkpointQuietly(ctx, "tx_expired", key+" "+sub.Tx.TxID)
			return fmt.Errorf("%w: %s expired", ErrNotYetOnChain, sub.Tx.TxID)
		case !errors.Is(err, ErrNotYetOnChain):
			r.e.logger.Warn("transaction lookup failed", "saga_id", r.rec.ID, "key", key, "error", err)
		}
		if err := sleep(ctx, r.e.cfg.ConfirmInterval); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrNotYetOnChain, sub.Tx.TxID, err)
		}
	}
}

// resolvePending settles every unresolved submission as accepted or
// dropped, waiting for expiry where needed.
func (r *run) resolvePending(ctx context.Context) error {
	keys := r.prog.unresolved()
	sort.Strings(keys)
	for _, key := range keys {
		sub := r.prog.Submissions[key]
		for {
			landed, err := r.landed(ctx, sub)
			if err == nil {
				if landed {
					sub.Accepted = true
				} else {
					delete(r.prog.Submissions, key)
				}
				break
			}
			if !errors.Is(err, ErrNotYetOnChain) {
				r.e.logger.Warn("transaction lookup failed", "saga_id", r.rec.ID, "key", key, "error", err)
			}
			if err := sleep(ctx, r.e.cfg.ConfirmInterval); err != nil {
				return fmt.Errorf("%w: %s (%s): %w", ErrInDoubt, key, sub.Tx.TxID, err)
			}
		}
	}
	r.checkpointQuietly(ctx, "submissions_resolved", "")
	return nil
}

func (r *run) checkpointQuietly(ctx context.Context, outcome, detail string) {
	if err := r.checkpoint(ctx, outcome, detail); err != nil {
		r.e.logger.Warn("saga checkpoint failed", "saga_id", r.rec.ID, "outcome", outcome, "error", err)
	}
}

// refused reports whether the node answered a submission with a rejection
// code, meaning it did not take the transaction.
func refused(err error) bool {
	var chainErr *chain.Error
	return errors.As(err, &chainErr) && chainErr.Code != ""
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

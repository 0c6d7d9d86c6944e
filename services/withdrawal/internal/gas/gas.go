// Package gas keeps enough TRX on custodial addresses to pay for token
// transfers.
package gas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
)

var ErrGasReplenishmentFailed = errors.New("gas replenishment failed")

type Chain interface {
	GetBalance(ctx context.Context, address string) (chain.Balance, error)
}

type Ledger interface {
	RecordNativeBalance(ctx context.Context, address string, native money.Money) error
}

// Sender submits a transfer at most once per key and returns its tx id.
// AwaitLanded blocks until the transfer sent under key is on chain.
type Sender interface {
	SendOnce(ctx context.Context, key string, t chain.Transfer) (string, error)
	AwaitLanded(ctx context.Context, key string) error
}

type Config struct {
	ReserveAddresses []string
	MinReserve       money.Money
	TopUpAmount      money.Money
}

type Result struct {
	Address  string
	ToppedUp bool
	Reserve  string
	TxID     string
	Native   money.Money
}

type Replenisher struct {
	chain    Chain
	ledger   Ledger
	reserves []string
	min      money.Money
	topUp    money.Money
	logger   *slog.Logger
}

func New(c Chain, ledger Ledger, cfg Config, logger *slog.Logger) *Replenisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replenisher{
		chain:    c,
		ledger:   ledger,
		reserves: append([]string(nil), cfg.ReserveAddresses...),
		min:      cfg.MinReserve,
		topUp:    cfg.TopUpAmount,
		logger:   logger,
	}
}

// Key is the idempotency key for topping up address within one saga.
func Key(sagaID, address string) string {
	return "gas:" + sagaID + ":" + address
}

// Ensure tops up address from a reserve when it holds less than the minimum
// TRX reserve. An address that already holds enough is left alone. Top-ups
// are never reversed. A top-up is awaited until it lands, so the token
// transfer that follows is never prepared against a short reserve.
func (r *Replenisher) Ensure(ctx context.Context, key, address string, send Sender) (Result, error) {
	res := Result{Address: address}
	bal, err := r.chain.GetBalance(ctx, address)
	if err != nil {
		return res, fmt.Errorf("query gas balance of %s: %w", address, err)
	}
	res.Native = bal.Native
	if bal.Native.GreaterThanOrEqual(r.min) {
		if err := r.ledger.RecordNativeBalance(ctx, address, bal.Native); err != nil {
			r.logger.Warn("record native balance failed", "address", address, "error", err)
		}
		return res, nil
	}

	amount := r.topUp
	if shortfall := r.min.Sub(bal.Native); shortfall.GreaterThan(amount) {
		amount = shortfall
	}

	reserve, err := r.pickReserve(ctx, address, amount)
	if err != nil {
		return res, err
	}

	txID, err := send.SendOnce(ctx, key, chain.Transfer{From: reserve, To: address, Amount: amount})
	if err != nil {
		return res, fmt.Errorf("%w: top up %s from %s: %w", ErrGasReplenishmentFailed, address, reserve, err)
	}
	if err := send.AwaitLanded(ctx, key); err != nil {
		return res, fmt.Errorf("await gas top-up %s for %s: %w", txID, address, err)
	}

	res.ToppedUp = true
	res.Reserve = reserve
	res.TxID = txID
	res.Native = bal.Native.Add(amount)
	if err := r.ledger.RecordNativeBalance(ctx, address, res.Native); err != nil {
		r.logger.Warn("record native balance failed", "address", address, "error", err)
	}
	r.logger.Info("gas topped up",
		"address", address,
		"reserve", reserve,
		"amount", amount.String(),
		"tx_id", txID,
	)
	return res, nil
}

func (r *Replenisher) pickReserve(ctx context.Context, target string, amount money.Money) (string, error) {
	if len(r.reserves) == 0 {
		return "", fmt.Errorf("%w: no reserve addresses configured", ErrGasReplenishmentFailed)
	}
	var lastErr error
	for _, reserve := range r.reserves {
		if reserve == target {
			continue
		}
		bal, err := r.chain.GetBalance(ctx, reserve)
		if err != nil {
			lastErr = err
			r.logger.Warn("reserve balance query failed", "reserve", reserve, "error", err)
			continue
		}
		if bal.Native.GreaterThan(amount) {
			return reserve, nil
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: no reserve could be checked: %w", ErrGasReplenishmentFailed, lastErr)
	}
	return "", fmt.Errorf("%w: no reserve holds more than %s TRX", ErrGasReplenishmentFailed, amount)
}

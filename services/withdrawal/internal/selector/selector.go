// Package selector implements greedy largest-balance-first coin selection
// over the custodial address pool.
package selector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/google/uuid"
)

type Ledger interface {
	LockAndFetchTopAddress(ctx context.Context, sagaID uuid.UUID, minBalance money.Money, excluding []string, want money.Money) (*storage.Reservation, error)
}

// InsufficientFundsError reports how much of the request no eligible address
// could cover.
type InsufficientFundsError struct {
	ShortBy money.Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds across custodial addresses: short by %s", e.ShortBy)
}

// Selection lists the addresses covering a withdrawal. The first allocation
// is always the consolidation address.
type Selection struct {
	ConsolidationAddress string               `json:"consolidation_address"`
	Allocations          []storage.Allocation `json:"allocations"`
}

func (s Selection) Total() money.Money {
	total := money.Zero
	for _, a := range s.Allocations {
		total = total.Add(a.Amount)
	}
	return total
}

func (s Selection) Addresses() []string {
	out := make([]string, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		out = append(out, a.Address)
	}
	return out
}

type Selector struct {
	ledger     Ledger
	minBalance money.Money
	logger     *slog.Logger
}

// New returns a Selector that ignores addresses holding minBalance or less.
func New(ledger Ledger, minBalance money.Money, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{ledger: ledger, minBalance: minBalance, logger: logger}
}

// Select locks addresses for sagaID until their reservations sum to amount.
// Each address is locked in its own ledger transaction. On failure the
// partial selection is returned along with the error and every lock stays
// held; releasing them is the caller's job.
func (s *Selector) Select(ctx context.Context, sagaID uuid.UUID, amount money.Money) (Selection, error) {
	var sel Selection
	if !amount.IsPositive() {
		return sel, fmt.Errorf("selection amount must be positive")
	}

	remaining := amount
	excluded := make([]string, 0, 4)
	for remaining.IsPositive() {
		res, err := s.ledger.LockAndFetchTopAddress(ctx, sagaID, s.minBalance, excluded, remaining)
		if err != nil {
			return sel, fmt.Errorf("lock address: %w", err)
		}
		if res == nil {
			s.logger.Warn("address selection short",
				"saga_id", sagaID,
				"short_by", remaining.String(),
				"selected", len(sel.Allocations),
			)
			return sel, &InsufficientFundsError{ShortBy: remaining}
		}

		addr := res.Address.Address
		excluded = append(excluded, addr)
		if sel.ConsolidationAddress == "" {
			sel.ConsolidationAddress = addr
		}
		sel.Allocations = append(sel.Allocations, storage.Allocation{Address: addr, Amount: res.Reserved})
		remaining = remaining.Sub(res.Reserved)
	}

	if total := sel.Total(); !total.Equal(amount) {
		return sel, fmt.Errorf("selection total %s does not match requested %s", total, amount)
	}
	s.logger.Info("addresses selected",
		"saga_id", sagaID,
		"consolidation_address", sel.ConsolidationAddress,
		"allocations", len(sel.Allocations),
	)
	return sel, nil
}

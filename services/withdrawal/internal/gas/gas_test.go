package gas

import (
	"context"
	"errors"
	"testing"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
)

type fakeChain struct {
	native map[string]money.Money
	err    map[string]error
}

func (f *fakeChain) GetBalance(_ context.Context, address string) (chain.Balance, error) {
	if err := f.err[address]; err != nil {
		return chain.Balance{}, err
	}
	return chain.Balance{Native: f.native[address], Token: money.Zero}, nil
}

type fakeLedger struct {
	recorded map[string]money.Money
}

func (f *fakeLedger) RecordNativeBalance(_ context.Context, address string, native money.Money) error {
	if f.recorded == nil {
		f.recorded = map[string]money.Money{}
	}
	f.recorded[address] = native
	return nil
}

type fakeSender struct {
	sent     map[string]chain.Transfer
	awaited  []string
	err      error
	awaitErr error
}

func (f *fakeSender) SendOnce(_ context.Context, key string, t chain.Transfer) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.sent == nil {
		f.sent = map[string]chain.Transfer{}
	}
	if _, ok := f.sent[key]; !ok {
		f.sent[key] = t
	}
	return "tx-" + key, nil
}

func (f *fakeSender) AwaitLanded(_ context.Context, key string) error {
	if f.awaitErr != nil {
		return f.awaitErr
	}
	f.awaited = append(f.awaited, key)
	return nil
}

func newReplenisher(c *fakeChain, l *fakeLedger) *Replenisher {
	return New(c, l, Config{
		ReserveAddresses: []string{"R1", "R2"},
		MinReserve:       money.MustParse("30"),
		TopUpAmount:      money.MustParse("35"),
	}, nil)
}

func TestEnsureIsNoOpWhenReserveSufficient(t *testing.T) {
	c := &fakeChain{native: map[string]money.Money{"A": money.MustParse("30")}}
	l := &fakeLedger{}
	sender := &fakeSender{}
	res, err := newReplenisher(c, l).Ensure(context.Background(), "k", "A", sender)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if res.ToppedUp || len(sender.sent) != 0 {
		t.Fatalf("expected no top-up, got %+v", res)
	}
	if !l.recorded["A"].Equal(money.MustParse("30")) {
		t.Fatalf("expected observed native balance to be recorded")
	}
}

func TestEnsureTopsUpFromFirstFundedReserve(t *testing.T) {
	c := &fakeChain{native: map[string]money.Money{
		"A":  money.MustParse("2"),
		"R1": money.MustParse("10"),
		"R2": money.MustParse("500"),
	}}
	l := &fakeLedger{}
	sender := &fakeSender{}
	r := newReplenisher(c, l)

	res, err := r.Ensure(context.Background(), "gas-key", "A", sender)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !res.ToppedUp || res.Reserve != "R2" || res.TxID != "tx-gas-key" {
		t.Fatalf("unexpected result %+v", res)
	}
	sent := sender.sent["gas-key"]
	if sent.From != "R2" || sent.To != "A" || !sent.Amount.Equal(money.MustParse("35")) || sent.TokenContract != "" {
		t.Fatalf("unexpected transfer %+v", sent)
	}
	if !l.recorded["A"].Equal(money.MustParse("37")) {
		t.Fatalf("expected recorded native 37, got %s", l.recorded["A"])
	}

	if _, err := r.Ensure(context.Background(), "gas-key", "A", sender); err != nil {
		t.Fatalf("replayed Ensure: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("replay must reuse the same key, got %d sends", len(sender.sent))
	}
}

func TestEnsureSendsShortfallWhenLargerThanTopUp(t *testing.T) {
	c := &fakeChain{native: map[string]money.Money{"A": money.Zero, "R1": money.MustParse("100")}}
	r := New(c, &fakeLedger{}, Config{
		ReserveAddresses: []string{"R1"},
		MinReserve:       money.MustParse("50"),
		TopUpAmount:      money.MustParse("35"),
	}, nil)
	sender := &fakeSender{}
	if _, err := r.Ensure(context.Background(), "k", "A", sender); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !sender.sent["k"].Amount.Equal(money.MustParse("50")) {
		t.Fatalf("expected shortfall of 50, got %s", sender.sent["k"].Amount)
	}
}

func TestEnsureFailsWithoutFundedReserve(t *testing.T) {
	c := &fakeChain{native: map[string]money.Money{"A": money.MustParse("1"), "R1": money.MustParse("1"), "R2": money.MustParse("35")}}
	_, err := newReplenisher(c, &fakeLedger{}).Ensure(context.Background(), "k", "A", &fakeSender{})
	if !errors.Is(err, ErrGasReplenishmentFailed) {
		t.Fatalf("expected gas replenishment failure, got %v", err)
	}
}

func TestEnsureWrapsSendFailure(t *testing.T) {
	c := &fakeChain{native: map[string]money.Money{"A": money.MustParse("1"), "R1": money.MustParse("100")}}
	sendErr := &chain.Error{Op: "broadcast", Kind: chain.ErrChainBroadcast, Transient: true}
	_, err := newReplenisher(c, &fakeLedger{}).Ensure(context.Background(), "k", "A", &fakeSender{err: sendErr})
	if !errors.Is(err, ErrGasReplenishmentFailed) || !errors.Is(err, chain.ErrChainBroadcast) {
		t.Fatalf("expected wrapped broadcast failure, got %v", err)
	}
	if !chain.IsTransient(err) {
		t.Fatalf("transient classification should survive wrapping")
	}
}

func TestEnsurePropagatesQueryFailure(t *testing.T) {
	queryErr := &chain.Error{Op: "get_balance", Kind: chain.ErrChainQuery, Transient: true}
	c := &fakeChain{err: map[string]error{"A": queryErr}}
	_, err := newReplenisher(c, &fakeLedger{}).Ensure(context.Background(), "k", "A", &fakeSender{})
	if !errors.Is(err, chain.ErrChainQuery) {
		t.Fatalf("expected chain query error, got %v", err)
	}
}

func TestEnsureWaitsForTopUpToLand(t *testing.T) {
	c := &fakeChain{native: map[string]money.Money{"A": money.MustParse("1"), "R1": money.MustParse("100")}}
	l := &fakeLedger{}
	sender := &fakeSender{}
	if _, err := newReplenisher(c, l).Ensure(context.Background(), "k", "A", sender); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(sender.awaited) != 1 || sender.awaited[0] != "k" {
		t.Fatalf("expected top-up k to be awaited, got %v", sender.awaited)
	}

	pending := errors.New("transaction not yet on chain")
	l = &fakeLedger{}
	_, err := newReplenisher(c, l).Ensure(context.Background(), "k", "A", &fakeSender{awaitErr: pending})
	if !errors.Is(err, pending) {
		t.Fatalf("expected await error, got %v", err)
	}
	if errors.Is(err, ErrGasReplenishmentFailed) {
		t.Fatalf("a top-up still landing is not a replenishment failure: %v", err)
	}
	if _, ok := l.recorded["A"]; ok {
		t.Fatalf("native balance must not be recorded before the top-up lands")
	}
}

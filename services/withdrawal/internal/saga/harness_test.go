package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/gas"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/notifier"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/selector"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage/memstore"
	"github.com/google/uuid"
)

const (
	tokenContract  = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	targetAddress  = "TAiGCpyuWHt4c9yyeSQ45kXkMkojwyMqt7"
	reserveAddress = "TReserve"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type submitFault struct {
	err   error
	lands bool
}

// fakeChain accepts transactions into an in-memory chain. Native transfers
// move TRX balances so gas top-ups are visible to later balance queries.
type fakeChain struct {
	mu           sync.Mutex
	clock        *testClock
	native       map[string]money.Money
	seq          int
	prepared     map[string]chain.Transfer
	onChain      map[string]bool
	sent         []chain.Transfer
	prepareErrs  []error
	submitFaults []submitFault
	prepareHook  func(context.Context)
}

func newFakeChain(clock *testClock) *fakeChain {
	return &fakeChain{
		clock:    clock,
		native:   map[string]money.Money{},
		prepared: map[string]chain.Transfer{},
		onChain:  map[string]bool{},
	}
}

func (f *fakeChain) GetBalance(_ context.Context, address string) (chain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return chain.Balance{Native: f.native[address]}, nil
}

func (f *fakeChain) Prepare(ctx context.Context, t chain.Transfer) (chain.Transaction, error) {
	f.mu.Lock()
	hook := f.prepareHook
	f.prepareHook = nil
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return chain.Transaction{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prepareErrs) > 0 {
		err := f.prepareErrs[0]
		f.prepareErrs = f.prepareErrs[1:]
		return chain.Transaction{}, err
	}
	f.seq++
	id := fmt.Sprintf("tx-%d", f.seq)
	f.prepared[id] = t
	return chain.Transaction{
		TxID:       id,
		Payload:    json.RawMessage(`{"txID":"` + id + `"}`),
		Expiration: f.clock.Now().Add(time.Minute),
	}, nil
}

func (f *fakeChain) Submit(ctx context.Context, tx chain.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitFaults) > 0 {
		fault := f.submitFaults[0]
		f.submitFaults = f.submitFaults[1:]
		if fault.lands {
			f.land(tx.TxID)
		}
		return fault.err
	}
	if f.onChain[tx.TxID] {
		return nil
	}
	if f.clock.Now().After(tx.Expiration) {
		return &chain.Error{Op: "broadcast", Kind: chain.ErrChainBroadcast, Code: "TRANSACTION_EXPIRATION_ERROR", Err: chain.ErrTransactionExpired}
	}
	f.land(tx.TxID)
	return nil
}

func (f *fakeChain) LookupTransaction(_ context.Context, txID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onChain[txID], nil
}

func (f *fakeChain) land(txID string) {
	f.onChain[txID] = true
	t := f.prepared[txID]
	f.sent = append(f.sent, t)
	if t.TokenContract == "" {
		f.native[t.To] = f.native[t.To].Add(t.Amount)
		f.native[t.From] = f.native[t.From].Sub(t.Amount)
	}
}

func (f *fakeChain) Sent() []chain.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.Transfer(nil), f.sent...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []notifier.Outcome
}

func (r *recordingNotifier) Notify(_ context.Context, o notifier.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recordingNotifier) Outcomes() []notifier.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notifier.Outcome(nil), r.outcomes...)
}

type harness struct {
	t     *testing.T
	clock *testClock
	store *memstore.Store
	chain *fakeChain
	notes *recordingNotifier
	exec  *Executor
	user  uuid.UUID
}

func testConfig() Config {
	return Config{
		TokenContract:        tokenContract,
		StepAttempts:         3,
		RetryInitial:         time.Millisecond,
		RetryMax:             2 * time.Millisecond,
		StepTimeout:          time.Second,
		CompensationAttempts: 3,
		CompensationTimeout:  2 * time.Second,
		ConfirmInterval:      time.Millisecond,
	}
}

func custodial(address, balance string) storage.CustodialAddress {
	return storage.CustodialAddress{Address: address, Balance: money.MustParse(balance)}
}

func newHarness(t *testing.T, wallet string, addrs ...storage.CustodialAddress) *harness {
	return newHarnessWithConfig(t, testConfig(), nil, wallet, addrs...)
}

// newHarnessWithConfig builds an executor over memstore. When ledger is set
// it replaces the store as the saga's ledger.
func newHarnessWithConfig(t *testing.T, cfg Config, ledger Ledger, wallet string, addrs ...storage.CustodialAddress) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memstore.New()
	store.SetClock(clock.Now)

	user := uuid.New()
	if err := store.UpsertWallet(ctx, user, money.MustParse(wallet)); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	fc := newFakeChain(clock)
	fc.native[reserveAddress] = money.MustParse("1000")
	for _, a := range addrs {
		if err := store.UpsertAddress(ctx, a); err != nil {
			t.Fatalf("seed address: %v", err)
		}
		fc.native[a.Address] = money.MustParse("100")
	}

	if ledger == nil {
		ledger = store
	}
	notes := &recordingNotifier{}
	replenisher := gas.New(fc, store, gas.Config{
		ReserveAddresses: []string{reserveAddress},
		MinReserve:       money.MustParse("30"),
		TopUpAmount:      money.MustParse("35"),
	}, slog.Default())
	exec := NewExecutor(Deps{
		Ledger:   ledger,
		Log:      store,
		Selector: selector.New(store, money.Zero, slog.Default()),
		Gas:      replenisher,
		Chain:    fc,
		Notifier: notes,
	}, cfg, nil, slog.Default())
	exec.now = clock.Now

	return &harness{t: t, clock: clock, store: store, chain: fc, notes: notes, exec: exec, user: user}
}

func (h *harness) request(amount string) Request {
	return Request{ID: uuid.New(), UserID: h.user, TargetAddress: targetAddress, Amount: money.MustParse(amount)}
}

func (h *harness) walletBalance() string {
	h.t.Helper()
	w, err := h.store.GetWallet(context.Background(), h.user)
	if err != nil {
		h.t.Fatalf("get wallet: %v", err)
	}
	return w.Balance.String()
}

func (h *harness) address(addr string) storage.CustodialAddress {
	h.t.Helper()
	a, err := h.store.GetAddress(context.Background(), addr)
	if err != nil {
		h.t.Fatalf("get address %s: %v", addr, err)
	}
	return a
}

func (h *harness) expectUnlocked(addrs ...string) {
	h.t.Helper()
	for _, addr := range addrs {
		a := h.address(addr)
		if a.IsLocked || !a.Reserved.IsZero() {
			h.t.Fatalf("expected %s unlocked with no reservation, got locked=%v reserved=%s", addr, a.IsLocked, a.Reserved)
		}
	}
}

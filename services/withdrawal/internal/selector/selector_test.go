package selector

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage/memstore"
	"github.com/google/uuid"
)

func seed(t *testing.T, store *memstore.Store, addrs ...storage.CustodialAddress) {
	t.Helper()
	for _, a := range addrs {
		if err := store.UpsertAddress(context.Background(), a); err != nil {
			t.Fatalf("seed %s: %v", a.Address, err)
		}
	}
}

func TestSingleAddressCoversRequest(t *testing.T) {
	store := memstore.New()
	seed(t, store,
		storage.CustodialAddress{Address: "A", Balance: money.MustParse("80")},
		storage.CustodialAddress{Address: "B", Balance: money.MustParse("20"), IsLocked: true},
	)
	sel, err := New(store, money.Zero, nil).Select(context.Background(), uuid.New(), money.MustParse("60"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.ConsolidationAddress != "A" || len(sel.Allocations) != 1 {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if !sel.Allocations[0].Amount.Equal(money.MustParse("60")) {
		t.Fatalf("expected 60 from A, got %s", sel.Allocations[0].Amount)
	}
}

func TestSelectionSpansAddressesLargestFirst(t *testing.T) {
	store := memstore.New()
	seed(t, store,
		storage.CustodialAddress{Address: "A", Balance: money.MustParse("30")},
		storage.CustodialAddress{Address: "B", Balance: money.MustParse("40")},
	)
	sel, err := New(store, money.Zero, nil).Select(context.Background(), uuid.New(), money.MustParse("60"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.ConsolidationAddress != "B" {
		t.Fatalf("expected largest address B as consolidation, got %s", sel.ConsolidationAddress)
	}
	if len(sel.Allocations) != 2 {
		t.Fatalf("expected two allocations, got %+v", sel.Allocations)
	}
	if !sel.Allocations[0].Amount.Equal(money.MustParse("40")) || !sel.Allocations[1].Amount.Equal(money.MustParse("20")) {
		t.Fatalf("unexpected amounts %+v", sel.Allocations)
	}
	if !sel.Total().Equal(money.MustParse("60")) {
		t.Fatalf("expected exact total 60, got %s", sel.Total())
	}
	a, _ := store.GetAddress(context.Background(), "A")
	if !a.Available().Equal(money.MustParse("10")) {
		t.Fatalf("expected 10 left unreserved on A, got %s", a.Available())
	}
}

func TestSelectionIsExactWithFractions(t *testing.T) {
	store := memstore.New()
	seed(t, store,
		storage.CustodialAddress{Address: "A", Balance: money.MustParse("0.1")},
		storage.CustodialAddress{Address: "B", Balance: money.MustParse("0.2")},
		storage.CustodialAddress{Address: "C", Balance: money.MustParse("0.000001")},
	)
	sel, err := New(store, money.Zero, nil).Select(context.Background(), uuid.New(), money.MustParse("0.300001"))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !sel.Total().Equal(money.MustParse("0.300001")) || len(sel.Allocations) != 3 {
		t.Fatalf("unexpected selection %+v", sel)
	}
}

func TestInsufficientFundsKeepsPartialLocks(t *testing.T) {
	store := memstore.New()
	seed(t, store,
		storage.CustodialAddress{Address: "A", Balance: money.MustParse("30")},
		storage.CustodialAddress{Address: "B", Balance: money.MustParse("100"), IsAMLBanned: true},
	)
	sagaID := uuid.New()
	sel, err := New(store, money.Zero, nil).Select(context.Background(), sagaID, money.MustParse("50"))
	var short *InsufficientFundsError
	if !errors.As(err, &short) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if !short.ShortBy.Equal(money.MustParse("20")) {
		t.Fatalf("expected short by 20, got %s", short.ShortBy)
	}
	if len(sel.Allocations) != 1 || sel.ConsolidationAddress != "A" {
		t.Fatalf("expected partial selection to be returned, got %+v", sel)
	}
	held, _ := store.ListSagaAddresses(context.Background(), sagaID)
	if len(held) != 1 {
		t.Fatalf("selector must not release locks itself, held=%d", len(held))
	}
}

func TestNoCandidateReportsFullShortfall(t *testing.T) {
	store := memstore.New()
	seed(t, store, storage.CustodialAddress{Address: "A", Balance: money.MustParse("80"), IsLocked: true})
	_, err := New(store, money.Zero, nil).Select(context.Background(), uuid.New(), money.MustParse("50"))
	var short *InsufficientFundsError
	if !errors.As(err, &short) || !short.ShortBy.Equal(money.MustParse("50")) {
		t.Fatalf("expected short by 50, got %v", err)
	}
}

func TestMinBalanceSkipsDust(t *testing.T) {
	store := memstore.New()
	seed(t, store,
		storage.CustodialAddress{Address: "A", Balance: money.MustParse("5")},
		storage.CustodialAddress{Address: "B", Balance: money.MustParse("0.5")},
	)
	_, err := New(store, money.MustParse("1"), nil).Select(context.Background(), uuid.New(), money.MustParse("5.5"))
	var short *InsufficientFundsError
	if !errors.As(err, &short) || !short.ShortBy.Equal(money.MustParse("0.5")) {
		t.Fatalf("expected dust to be ignored, got %v", err)
	}
}

type failingLedger struct{ err error }

func (f failingLedger) LockAndFetchTopAddress(context.Context, uuid.UUID, money.Money, []string, money.Money) (*storage.Reservation, error) {
	return nil, f.err
}

func TestLedgerErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(failingLedger{err: boom}, money.Zero, nil).Select(context.Background(), uuid.New(), money.MustParse("1"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected ledger error, got %v", err)
	}
}

func TestConcurrentSelectionsNeverShareAddresses(t *testing.T) {
	store := memstore.New()
	for _, name := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		seed(t, store, storage.CustodialAddress{Address: name, Balance: money.MustParse("10")})
	}
	sel := New(store, money.Zero, nil)

	var mu sync.Mutex
	owner := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			res, err := sel.Select(context.Background(), uuid.New(), money.MustParse("15"))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, addr := range res.Addresses() {
				if prev, ok := owner[addr]; ok {
					t.Errorf("address %s selected by workers %d and %d", addr, prev, worker)
				}
				owner[addr] = worker
			}
		}(i)
	}
	wg.Wait()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/custody/services/testutil"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Test rows sit above this floor so seeded data never competes in selection.
var testFloor = money.MustParse("1000000000")

func setupStore(t *testing.T) (*Store, *pgxpool.Pool, context.Context) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	ctx := context.Background()
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("ensure schema: %v", err)
	}
	cleanupTestRows(ctx, pool)
	t.Cleanup(func() {
		cleanupTestRows(ctx, pool)
		pool.Close()
	})
	return New(pool, nil, nil, 2*time.Second), pool, ctx
}

func cleanupTestRows(ctx context.Context, pool *pgxpool.Pool) {
	_ = testutil.CleanupTestData(ctx, pool)
}

func above(amount string) money.Money {
	return testFloor.Add(money.MustParse(amount))
}

func seedAddress(t *testing.T, ctx context.Context, store *Store, name string, balance money.Money) string {
	t.Helper()
	addr := testutil.TestAddressPrefix + name + "-" + uuid.NewString()[:8]
	if err := store.UpsertAddress(ctx, CustodialAddress{Address: addr, Balance: balance, NativeBalance: money.MustParse("50")}); err != nil {
		t.Fatalf("seed address: %v", err)
	}
	return addr
}

func TestDebitAndCreditWallet(t *testing.T) {
	store, _, ctx := setupStore(t)
	userID := uuid.New()
	if err := store.UpsertWallet(ctx, userID, money.MustParse("100")); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	sagaID := uuid.New()
	if err := store.DebitWallet(ctx, sagaID, userID, money.MustParse("60")); err != nil {
		t.Fatalf("DebitWallet: %v", err)
	}
	if err := store.DebitWallet(ctx, sagaID, userID, money.MustParse("60")); err != nil {
		t.Fatalf("replayed DebitWallet: %v", err)
	}
	wallet, err := store.GetWallet(ctx, userID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !wallet.Balance.Equal(money.MustParse("40")) {
		t.Fatalf("expected 40 after idempotent debit, got %s", wallet.Balance)
	}

	if err := store.DebitWallet(ctx, uuid.New(), userID, money.MustParse("60")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	if err := store.CreditWallet(ctx, sagaID, userID, money.MustParse("60")); err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}
	if err := store.CreditWallet(ctx, sagaID, userID, money.MustParse("60")); err != nil {
		t.Fatalf("replayed CreditWallet: %v", err)
	}
	wallet, _ = store.GetWallet(ctx, userID)
	if !wallet.Balance.Equal(money.MustParse("100")) {
		t.Fatalf("expected 100 after credit, got %s", wallet.Balance)
	}

	if err := store.CreditWallet(ctx, uuid.New(), uuid.New(), money.MustParse("1")); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected wallet not found, got %v", err)
	}
}

func TestLockAndFetchTopAddress(t *testing.T) {
	store, _, ctx := setupStore(t)
	small := seedAddress(t, ctx, store, "small", above("20"))
	large := seedAddress(t, ctx, store, "large", above("80"))

	sagaID := uuid.New()
	res, err := store.LockAndFetchTopAddress(ctx, sagaID, testFloor, nil, money.MustParse("60"))
	if err != nil {
		t.Fatalf("LockAndFetchTopAddress: %v", err)
	}
	if res == nil || res.Address.Address != large {
		t.Fatalf("expected %s, got %+v", large, res)
	}
	if !res.Reserved.Equal(money.MustParse("60")) {
		t.Fatalf("expected 60 reserved, got %s", res.Reserved)
	}

	res, err = store.LockAndFetchTopAddress(ctx, sagaID, testFloor, []string{small}, money.MustParse("10"))
	if err != nil {
		t.Fatalf("LockAndFetchTopAddress: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no candidate, got %s", res.Address.Address)
	}

	released, err := store.ReleaseSagaLocks(ctx, sagaID)
	if err != nil {
		t.Fatalf("ReleaseSagaLocks: %v", err)
	}
	if len(released) != 1 || released[0] != large {
		t.Fatalf("unexpected released set %v", released)
	}
	addr, err := store.GetAddress(ctx, large)
	if err != nil {
		t.Fatalf("GetAddress: %v", err)
	}
	if addr.IsLocked || !addr.Reserved.IsZero() || addr.LockedBy.Valid {
		t.Fatalf("expected address released, got %+v", addr)
	}
}

func TestConcurrentSelectionIsMutuallyExclusive(t *testing.T) {
	store, _, ctx := setupStore(t)
	const addresses = 6
	const workers = 10
	for i := 0; i < addresses; i++ {
		seedAddress(t, ctx, store, fmt.Sprintf("pool%d", i), above(fmt.Sprintf("%d", 10+i)))
	}

	var mu sync.Mutex
	owners := map[string]uuid.UUID{}
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sagaID := uuid.New()
			res, err := store.LockAndFetchTopAddress(ctx, sagaID, testFloor, nil, money.MustParse("1"))
			if err != nil {
				errs <- err
				return
			}
			if res == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := owners[res.Address.Address]; ok {
				errs <- fmt.Errorf("%s selected by %s and %s", res.Address.Address, prev, sagaID)
				return
			}
			owners[res.Address.Address] = sagaID
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent selection: %v", err)
	}
	if len(owners) != addresses {
		t.Fatalf("expected every address to be taken once, got %d", len(owners))
	}
}

func TestAllocationDebitAndInternalTransfer(t *testing.T) {
	store, _, ctx := setupStore(t)
	a := seedAddress(t, ctx, store, "a", above("40"))
	b := seedAddress(t, ctx, store, "b", above("30"))
	sagaID := uuid.New()

	first, err := store.LockAndFetchTopAddress(ctx, sagaID, testFloor, nil, money.MustParse("60"))
	if err != nil || first == nil || first.Address.Address != a {
		t.Fatalf("expected %s first, got %+v err=%v", a, first, err)
	}
	second, err := store.LockAndFetchTopAddress(ctx, sagaID, testFloor, []string{a}, money.MustParse("20"))
	if err != nil || second == nil || second.Address.Address != b {
		t.Fatalf("expected %s second, got %+v err=%v", b, second, err)
	}

	if err := store.ApplyInternalTransfer(ctx, sagaID, b, a, money.MustParse("20")); err != nil {
		t.Fatalf("ApplyInternalTransfer: %v", err)
	}
	if err := store.ApplyInternalTransfer(ctx, sagaID, b, a, money.MustParse("20")); err != nil {
		t.Fatalf("replayed ApplyInternalTransfer: %v", err)
	}
	src, _ := store.GetAddress(ctx, b)
	dst, _ := store.GetAddress(ctx, a)
	if !src.Balance.Equal(above("10")) || !src.Reserved.IsZero() {
		t.Fatalf("unexpected source after transfer: balance=%s reserved=%s", src.Balance, src.Reserved)
	}
	if !dst.Reserved.Equal(money.MustParse("80")) {
		t.Fatalf("expected destination reservation 80, got %s", dst.Reserved)
	}

	if err := store.ApplyAllocationDebit(ctx, sagaID, a, money.MustParse("80")); err != nil {
		t.Fatalf("ApplyAllocationDebit: %v", err)
	}
	if err := store.ApplyAllocationDebit(ctx, sagaID, a, money.MustParse("80")); err != nil {
		t.Fatalf("replayed ApplyAllocationDebit: %v", err)
	}
	dst, _ = store.GetAddress(ctx, a)
	if !dst.Balance.Equal(above("-20")) || !dst.Reserved.IsZero() {
		t.Fatalf("unexpected destination after debit: balance=%s reserved=%s", dst.Balance, dst.Reserved)
	}

	if err := store.ApplyAllocationDebit(ctx, uuid.New(), a, money.MustParse("1")); !errors.Is(err, ErrAddressIneligible) {
		t.Fatalf("expected ineligible for foreign saga, got %v", err)
	}
}

func TestSagaLogAndSweep(t *testing.T) {
	store, pool, ctx := setupStore(t)
	sagaID := uuid.New()
	rec := SagaRecord{
		ID:            sagaID,
		UserID:        uuid.New(),
		TargetAddress: "TAiGCpyuWHt4c9yyeSQ45kXkMkojwyMqt7",
		Amount:        money.MustParse("12.5"),
		Step:          "pending",
		State:         []byte(`{"attempt":1}`),
	}
	defer func() {
		_, _ = pool.Exec(ctx, `DELETE FROM withdrawal_sagas WHERE id = $1`, sagaID)
	}()

	created, isNew, err := store.CreateSaga(ctx, rec)
	if err != nil || !isNew {
		t.Fatalf("CreateSaga: created=%v err=%v", isNew, err)
	}
	if !created.Amount.Equal(rec.Amount) {
		t.Fatalf("unexpected amount %s", created.Amount)
	}
	if _, isNew, err = store.CreateSaga(ctx, rec); err != nil || isNew {
		t.Fatalf("expected existing saga on second create: created=%v err=%v", isNew, err)
	}

	addr := seedAddress(t, ctx, store, "sweep", above("5"))
	if _, err := store.LockAndFetchTopAddress(ctx, sagaID, testFloor, nil, money.MustParse("5")); err != nil {
		t.Fatalf("lock: %v", err)
	}

	released, err := store.SweepStaleLocks(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepStaleLocks: %v", err)
	}
	for _, r := range released {
		if r == addr {
			t.Fatalf("active saga lock must not be swept")
		}
	}

	rec.Step = StepFailed
	rec.FailureReason = "test"
	if err := store.SaveSaga(ctx, rec, StepEntry{Outcome: "failed", Detail: "test"}); err != nil {
		t.Fatalf("SaveSaga: %v", err)
	}
	released, err = store.SweepStaleLocks(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepStaleLocks: %v", err)
	}
	found := false
	for _, r := range released {
		if r == addr {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s to be swept after saga failed", addr)
	}

	steps, err := store.ListSteps(ctx, sagaID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 || steps[0].Outcome != "created" || steps[1].Step != StepFailed {
		t.Fatalf("unexpected steps %+v", steps)
	}
	active, err := store.ListActiveSagas(ctx, 1000)
	if err != nil {
		t.Fatalf("ListActiveSagas: %v", err)
	}
	for _, a := range active {
		if a.ID == sagaID {
			t.Fatalf("failed saga listed as active")
		}
	}
}

// Package memstore is an in-memory implementation of the withdrawal ledger
// and saga log with the same semantics as the PostgreSQL store. Tests and
// local runs use it.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/google/uuid"
)

type movementKey struct {
	sagaID  uuid.UUID
	subject string
	kind    string
}

type lease struct {
	owner   string
	expires time.Time
}

type Store struct {
	mu        sync.Mutex
	leases    map[uuid.UUID]lease
	wallets   map[uuid.UUID]storage.Wallet
	addresses map[string]storage.CustodialAddress
	movements map[movementKey]money.Money
	sagas     map[uuid.UUID]storage.SagaRecord
	steps     map[uuid.UUID][]storage.StepEntry
	nextStep  int64
	faults    map[string][]error
	now       func() time.Time
}

func New() *Store {
	return &Store{
		leases:    map[uuid.UUID]lease{},
		wallets:   map[uuid.UUID]storage.Wallet{},
		addresses: map[string]storage.CustodialAddress{},
		movements: map[movementKey]money.Money{},
		sagas:     map[uuid.UUID]storage.SagaRecord{},
		steps:     map[uuid.UUID][]storage.StepEntry{},
		faults:    map[string][]error{},
		now:       time.Now,
	}
}

// SetClock replaces the time source used for lock and saga timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next len(errs) calls of op return errs in order. op is
// the method name, e.g. "ApplyAllocationDebit".
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

func (s *Store) fault(op string) error {
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) DebitWallet(ctx context.Context, sagaID, userID uuid.UUID, amount money.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "DebitWallet"); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	key := movementKey{sagaID, userID.String(), storage.MovementWalletDebit}
	if _, ok := s.movements[key]; ok {
		return nil
	}
	w, ok := s.wallets[userID]
	if !ok {
		return storage.ErrWalletNotFound
	}
	if w.Balance.LessThan(amount) {
		return storage.ErrInsufficientBalance
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = s.now()
	s.wallets[userID] = w
	s.movements[key] = amount
	return nil
}

func (s *Store) CreditWallet(ctx context.Context, sagaID, userID uuid.UUID, amount money.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "CreditWallet"); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	key := movementKey{sagaID, userID.String(), storage.MovementWalletCredit}
	if _, ok := s.movements[key]; ok {
		return nil
	}
	w, ok := s.wallets[userID]
	if !ok {
		return storage.ErrWalletNotFound
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = s.now()
	s.wallets[userID] = w
	s.movements[key] = amount
	return nil
}

func (s *Store) MovementApplied(ctx context.Context, sagaID uuid.UUID, subject, kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "MovementApplied"); err != nil {
		return false, err
	}
	_, ok := s.movements[movementKey{sagaID, subject, kind}]
	return ok, nil
}

func (s *Store) LockAndFetchTopAddress(ctx context.Context, sagaID uuid.UUID, minBalance money.Money, excluding []string, want money.Money) (*storage.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "LockAndFetchTopAddress"); err != nil {
		return nil, err
	}
	if !want.IsPositive() {
		return nil, fmt.Errorf("reservation amount must be positive")
	}
	skip := make(map[string]bool, len(excluding))
	for _, a := range excluding {
		skip[a] = true
	}

	var best *storage.CustodialAddress
	for _, addr := range s.addresses {
		if addr.IsLocked || !addr.Eligible() || skip[addr.Address] || !addr.Balance.GreaterThan(minBalance) {
			continue
		}
		if best == nil || addr.Balance.GreaterThan(best.Balance) ||
			(addr.Balance.Equal(best.Balance) && addr.Address < best.Address) {
			candidate := addr
			best = &candidate
		}
	}
	if best == nil {
		return nil, nil
	}

	now := s.now()
	best.IsLocked = true
	best.LockedBy = uuid.NullUUID{UUID: sagaID, Valid: true}
	best.LockedAt = &now
	best.Reserved = money.Min(best.Balance, want)
	best.UpdatedAt = now
	s.addresses[best.Address] = *best
	return &storage.Reservation{Address: *best, Reserved: best.Reserved}, nil
}

func (s *Store) ReleaseLock(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "ReleaseLock"); err != nil {
		return err
	}
	addr, ok := s.addresses[address]
	if !ok {
		return storage.ErrAddressNotFound
	}
	s.addresses[address] = s.unlock(addr)
	return nil
}

func (s *Store) ReleaseSagaLocks(ctx context.Context, sagaID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "ReleaseSagaLocks"); err != nil {
		return nil, err
	}
	var released []string
	for key, addr := range s.addresses {
		if addr.LockedBy.Valid && addr.LockedBy.UUID == sagaID {
			s.addresses[key] = s.unlock(addr)
			released = append(released, key)
		}
	}
	sort.Strings(released)
	return released, nil
}

func (s *Store) ApplyAllocationDebit(ctx context.Context, sagaID uuid.UUID, address string, amount money.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "ApplyAllocationDebit"); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	key := movementKey{sagaID, address, storage.MovementAddressDebit}
	if _, ok := s.movements[key]; ok {
		return nil
	}
	addr, ok := s.addresses[address]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrAddressNotFound, address)
	}
	if !heldBy(addr, sagaID) {
		return fmt.Errorf("%w: %s is not reserved by saga %s", storage.ErrAddressIneligible, address, sagaID)
	}
	if addr.Balance.LessThan(amount) {
		return storage.ErrInsufficientAddressBalance
	}
	addr.Balance = addr.Balance.Sub(amount)
	addr.Reserved = shrink(addr.Reserved, amount)
	addr.UpdatedAt = s.now()
	s.addresses[address] = addr
	s.movements[key] = amount
	return nil
}

func (s *Store) ApplyInternalTransfer(ctx context.Context, sagaID uuid.UUID, from, to string, amount money.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "ApplyInternalTransfer"); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if from == to {
		return fmt.Errorf("%w: transfer to self", storage.ErrAddressIneligible)
	}
	key := movementKey{sagaID, from, storage.MovementInternalTransfer}
	if _, ok := s.movements[key]; ok {
		return nil
	}
	src, ok := s.addresses[from]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrAddressNotFound, from)
	}
	dst, ok := s.addresses[to]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrAddressNotFound, to)
	}
	if !heldBy(src, sagaID) || !heldBy(dst, sagaID) || !dst.Eligible() {
		return fmt.Errorf("%w: %s -> %s", storage.ErrAddressIneligible, from, to)
	}
	if src.Balance.LessThan(amount) {
		return storage.ErrInsufficientAddressBalance
	}
	now := s.now()
	src.Balance = src.Balance.Sub(amount)
	src.Reserved = shrink(src.Reserved, amount)
	src.UpdatedAt = now
	dst.Balance = dst.Balance.Add(amount)
	dst.Reserved = dst.Reserved.Add(amount)
	dst.UpdatedAt = now
	s.addresses[from] = src
	s.addresses[to] = dst
	s.movements[key] = amount
	return nil
}

func (s *Store) RecordNativeBalance(ctx context.Context, address string, native money.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "RecordNativeBalance"); err != nil {
		return err
	}
	if addr, ok := s.addresses[address]; ok {
		addr.NativeBalance = native
		addr.UpdatedAt = s.now()
		s.addresses[address] = addr
	}
	return nil
}

func (s *Store) SweepStaleLocks(ctx context.Context, staleBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "SweepStaleLocks"); err != nil {
		return nil, err
	}
	var released []string
	for key, addr := range s.addresses {
		if !addr.IsLocked {
			continue
		}
		if addr.LockedAt != nil && !addr.LockedAt.Before(staleBefore) {
			continue
		}
		if addr.LockedBy.Valid {
			if rec, ok := s.sagas[addr.LockedBy.UUID]; ok && !isTerminal(rec.Step) {
				continue
			}
		}
		s.addresses[key] = s.unlock(addr)
		released = append(released, key)
	}
	sort.Strings(released)
	return released, nil
}

func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID) (storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return storage.Wallet{}, storage.ErrWalletNotFound
	}
	return w, nil
}

func (s *Store) GetAddress(ctx context.Context, address string) (storage.CustodialAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.addresses[address]
	if !ok {
		return storage.CustodialAddress{}, storage.ErrAddressNotFound
	}
	return addr, nil
}

func (s *Store) ListSagaAddresses(ctx context.Context, sagaID uuid.UUID) ([]storage.CustodialAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.CustodialAddress
	for _, addr := range s.addresses {
		if heldBy(addr, sagaID) {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *Store) UpsertWallet(ctx context.Context, userID uuid.UUID, balance money.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[userID] = storage.Wallet{UserID: userID, Balance: balance, UpdatedAt: s.now()}
	return nil
}

func (s *Store) UpsertAddress(ctx context.Context, addr storage.CustodialAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr.Reserved = money.Zero
	addr.LockedBy = uuid.NullUUID{}
	addr.LockedAt = nil
	addr.UpdatedAt = s.now()
	s.addresses[addr.Address] = addr
	return nil
}

func (s *Store) CreateSaga(ctx context.Context, rec storage.SagaRecord) (storage.SagaRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "CreateSaga"); err != nil {
		return storage.SagaRecord{}, false, err
	}
	if existing, ok := s.sagas[rec.ID]; ok {
		return cloneRecord(existing), false, nil
	}
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if len(rec.State) == 0 {
		rec.State = []byte("{}")
	}
	rec = cloneRecord(rec)
	s.sagas[rec.ID] = rec
	s.appendStep(storage.StepEntry{SagaID: rec.ID, Step: rec.Step, Outcome: "created"})
	return cloneRecord(rec), true, nil
}

func (s *Store) SaveSaga(ctx context.Context, rec storage.SagaRecord, entry storage.StepEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "SaveSaga"); err != nil {
		return err
	}
	existing, ok := s.sagas[rec.ID]
	if !ok {
		return storage.ErrSagaNotFound
	}
	existing.Step = rec.Step
	existing.State = append([]byte(nil), rec.State...)
	existing.FailureReason = rec.FailureReason
	existing.UpdatedAt = s.now()
	s.sagas[rec.ID] = existing
	entry.SagaID = rec.ID
	if entry.Step == "" {
		entry.Step = rec.Step
	}
	s.appendStep(entry)
	return nil
}

func (s *Store) GetSaga(ctx context.Context, id uuid.UUID) (storage.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sagas[id]
	if !ok {
		return storage.SagaRecord{}, storage.ErrSagaNotFound
	}
	return cloneRecord(rec), nil
}

func (s *Store) ListActiveSagas(ctx context.Context, limit int) ([]storage.SagaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.SagaRecord
	for _, rec := range s.sagas {
		if !isTerminal(rec.Step) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSteps(ctx context.Context, sagaID uuid.UUID) ([]storage.StepEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.StepEntry(nil), s.steps[sagaID]...), nil
}

func (s *Store) ClaimSaga(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "ClaimSaga"); err != nil {
		return false, err
	}
	if _, ok := s.sagas[id]; !ok {
		return false, nil
	}
	now := s.now()
	if l, ok := s.leases[id]; ok && l.owner != owner && l.expires.After(now) {
		return false, nil
	}
	s.leases[id] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseSaga(ctx context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[id]; ok && l.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

// Movements returns how many ledger movements have been applied.
func (s *Store) Movements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.movements)
}

func (s *Store) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fault(op)
}

func (s *Store) appendStep(e storage.StepEntry) {
	s.nextStep++
	e.ID = s.nextStep
	e.CreatedAt = s.now()
	s.steps[e.SagaID] = append(s.steps[e.SagaID], e)
}

func (s *Store) unlock(addr storage.CustodialAddress) storage.CustodialAddress {
	addr.IsLocked = false
	addr.LockedBy = uuid.NullUUID{}
	addr.LockedAt = nil
	addr.Reserved = money.Zero
	addr.UpdatedAt = s.now()
	return addr
}

func heldBy(addr storage.CustodialAddress, sagaID uuid.UUID) bool {
	return addr.IsLocked && addr.LockedBy.Valid && addr.LockedBy.UUID == sagaID
}

func shrink(reserved, amount money.Money) money.Money {
	left := reserved.Sub(amount)
	if left.IsNegative() {
		return money.Zero
	}
	return left
}

func isTerminal(step string) bool {
	return step == storage.StepCompleted || step == storage.StepFailed
}

func cloneRecord(rec storage.SagaRecord) storage.SagaRecord {
	rec.State = append([]byte(nil), rec.State...)
	return rec
}

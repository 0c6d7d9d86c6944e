// Package storage is the PostgreSQL ledger behind the withdrawal saga:
// user wallets, the custodial address pool and the persisted saga log.
//
// Every mutation a saga can replay records a ledger_movements row keyed by
// (saga, subject, kind) inside the same transaction, so a second attempt finds
// the row and returns without touching balances.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/rate"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrInsufficientAddressBalance = errors.New("insufficient address balance")
	ErrWalletNotFound             = errors.New("wallet not found")
	ErrAddressNotFound            = errors.New("custodial address not found")
	ErrAddressIneligible          = errors.New("address ineligible")
	ErrLockTimeout                = errors.New("lock timeout")
	ErrSagaNotFound               = errors.New("saga not found")
)

// Postgres error codes inspected by callers.
const (
	CodeLockNotAvailable     = "55P03"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

const maxSelectAttempts = 3

type Store struct {
	pool        *pgxpool.Pool
	limiter     rate.Limiter
	logger      *slog.Logger
	lockTimeout time.Duration
}

// New returns a Store whose transactions each take one token from limiter.
// lockTimeout bounds how long a row lock may be awaited; zero keeps the
// server default.
func New(pool *pgxpool.Pool, limiter rate.Limiter, logger *slog.Logger, lockTimeout time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	return &Store{
		pool:        pool,
		limiter:     limiter,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) DebitWallet(ctx context.Context, sagaID, userID uuid.UUID, amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		applied, err := recordMovement(ctx, tx, sagaID, userID.String(), MovementWalletDebit, amount)
		if err != nil || !applied {
			return err
		}
		wallet, err := getWalletForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if wallet.Balance.LessThan(amount) {
			return ErrInsufficientBalance
		}
		return updateWalletBalance(ctx, tx, userID, wallet.Balance.Sub(amount))
	})
}

// CreditWallet returns funds taken by DebitWallet. It is only used as a
// compensation.
func (s *Store) CreditWallet(ctx context.Context, sagaID, userID uuid.UUID, amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		applied, err := recordMovement(ctx, tx, sagaID, userID.String(), MovementWalletCredit, amount)
		if err != nil || !applied {
			return err
		}
		wallet, err := getWalletForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		return updateWalletBalance(ctx, tx, userID, wallet.Balance.Add(amount))
	})
}

// MovementApplied reports whether (saga, subject, kind) has been recorded.
func (s *Store) MovementApplied(ctx context.Context, sagaID uuid.UUID, subject, kind string) (bool, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return false, err
	}
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_movements WHERE saga_id = $1 AND subject = $2 AND kind = $3
		)
	`, sagaID, subject, kind)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// LockAndFetchTopAddress locks the eligible address with the largest balance
// for sagaID and reserves up to want of it. Rows locked by concurrent
// transactions are skipped, not awaited. It returns nil when no candidate
// exists.
func (s *Store) LockAndFetchTopAddress(ctx context.Context, sagaID uuid.UUID, minBalance money.Money, excluding []string, want money.Money) (*Reservation, error) {
	if !want.IsPositive() {
		return nil, fmt.Errorf("reservation amount must be positive")
	}
	skip := append([]string{}, excluding...)

	var result *Reservation
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for attempt := 0; attempt < maxSelectAttempts; attempt++ {
			addr, err := scanAddress(tx.QueryRow(ctx, `
				SELECT `+addressColumns+`
				FROM custodial_addresses
				WHERE NOT is_locked AND NOT is_external AND NOT is_aml_banned
				  AND balance > $1
				  AND NOT (address = ANY($2::text[]))
				ORDER BY balance DESC, address
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			`, minBalance.String(), skip))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return err
			}

			reserved := money.Min(addr.Balance, want)
			tag, err := tx.Exec(ctx, `
				UPDATE custodial_addresses
				SET is_locked = true, locked_by = $2, locked_at = now(), reserved = $3, updated_at = now()
				WHERE address = $1 AND NOT is_locked
			`, addr.Address, sagaID, reserved.String())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				skip = append(skip, addr.Address)
				continue
			}

			addr.IsLocked = true
			addr.LockedBy = uuid.NullUUID{UUID: sagaID, Valid: true}
			addr.Reserved = reserved
			result = &Reservation{Address: addr, Reserved: reserved}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReleaseLock clears the lock and reservation on address. Releasing an
// unlocked address is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, address string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE custodial_addresses
			SET is_locked = false, locked_by = NULL, locked_at = NULL, reserved = 0, updated_at = now()
			WHERE address = $1
		`, address)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAddressNotFound
		}
		return nil
	})
}

// ReleaseSagaLocks releases every address held by sagaID, including locks
// taken by an attempt that crashed before recording them.
func (s *Store) ReleaseSagaLocks(ctx context.Context, sagaID uuid.UUID) ([]string, error) {
	var released []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE custodial_addresses
			SET is_locked = false, locked_by = NULL, locked_at = NULL, reserved = 0, updated_at = now()
			WHERE locked_by = $1
			RETURNING address
		`, sagaID)
		if err != nil {
			return err
		}
		released, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return released, err
}

// ApplyAllocationDebit removes amount from both the balance and the
// reservation of an address locked by sagaID.
func (s *Store) ApplyAllocationDebit(ctx context.Context, sagaID uuid.UUID, address string, amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		applied, err := recordMovement(ctx, tx, sagaID, address, MovementAddressDebit, amount)
		if err != nil || !applied {
			return err
		}
		addrs, err := getAddressesForUpdate(ctx, tx, address)
		if err != nil {
			return err
		}
		addr := addrs[0]
		if !heldBy(addr, sagaID) {
			return fmt.Errorf("%w: %s is not reserved by saga %s", ErrAddressIneligible, address, sagaID)
		}
		if addr.Balance.LessThan(amount) {
			return ErrInsufficientAddressBalance
		}
		return updateAddressAmounts(ctx, tx, address, addr.Balance.Sub(amount), shrinkReservation(addr.Reserved, amount))
	})
}

// ApplyInternalTransfer records an accepted on-chain transfer between two
// addresses held by sagaID. Balance and reservation move together.
func (s *Store) ApplyInternalTransfer(ctx context.Context, sagaID uuid.UUID, from, to string, amount money.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if from == to {
		return fmt.Errorf("%w: transfer to self", ErrAddressIneligible)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		applied, err := recordMovement(ctx, tx, sagaID, from, MovementInternalTransfer, amount)
		if err != nil || !applied {
			return err
		}
		addrs, err := getAddressesForUpdate(ctx, tx, from, to)
		if err != nil {
			return err
		}
		src, dst := addrs[0], addrs[1]
		if !heldBy(src, sagaID) || !heldBy(dst, sagaID) || !dst.Eligible() {
			return fmt.Errorf("%w: %s -> %s", ErrAddressIneligible, from, to)
		}
		if src.Balance.LessThan(amount) {
			return ErrInsufficientAddressBalance
		}
		if err := updateAddressAmounts(ctx, tx, from, src.Balance.Sub(amount), shrinkReservation(src.Reserved, amount)); err != nil {
			return err
		}
		return updateAddressAmounts(ctx, tx, to, dst.Balance.Add(amount), dst.Reserved.Add(amount))
	})
}

// RecordNativeBalance stores the last observed TRX balance of an address.
func (s *Store) RecordNativeBalance(ctx context.Context, address string, native money.Money) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE custodial_addresses
			SET native_balance = $2, updated_at = now()
			WHERE address = $1
		`, address, native.String())
		return err
	})
}

// SweepStaleLocks unlocks addresses locked before staleBefore whose owning
// saga is terminal or missing.
func (s *Store) SweepStaleLocks(ctx context.Context, staleBefore time.Time) ([]string, error) {
	var released []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE custodial_addresses a
			SET is_locked = false, locked_by = NULL, locked_at = NULL, reserved = 0, updated_at = now()
			WHERE a.is_locked
			  AND (a.locked_at IS NULL OR a.locked_at < $1)
			  AND NOT EXISTS (
				SELECT 1 FROM withdrawal_sagas s
				WHERE s.id = a.locked_by AND s.step NOT IN ($2, $3)
			  )
			RETURNING a.address
		`, staleBefore, StepCompleted, StepFailed)
		if err != nil {
			return err
		}
		released, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return released, err
}

func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID) (Wallet, error) {
	var w Wallet
	var balanceStr string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, balance::text, updated_at FROM wallets WHERE user_id = $1
	`, userID)
	if err := row.Scan(&w.UserID, &balanceStr, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	balance, err := money.Parse(balanceStr)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse wallet balance: %w", err)
	}
	w.Balance = balance
	return w, nil
}

func (s *Store) GetAddress(ctx context.Context, address string) (CustodialAddress, error) {
	addr, err := scanAddress(s.pool.QueryRow(ctx, `
		SELECT `+addressColumns+` FROM custodial_addresses WHERE address = $1
	`, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CustodialAddress{}, ErrAddressNotFound
		}
		return CustodialAddress{}, err
	}
	return addr, nil
}

// ListSagaAddresses returns the addresses currently locked by sagaID.
func (s *Store) ListSagaAddresses(ctx context.Context, sagaID uuid.UUID) ([]CustodialAddress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+addressColumns+` FROM custodial_addresses WHERE locked_by = $1 ORDER BY address
	`, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CustodialAddress
	for rows.Next() {
		addr, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// UpsertWallet sets a wallet balance. Used by the seeder and tests.
func (s *Store) UpsertWallet(ctx context.Context, userID uuid.UUID, balance money.Money) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()
	`, userID, balance.String())
	return err
}

// UpsertAddress writes an unlocked custodial address. Used by the seeder and tests.
func (s *Store) UpsertAddress(ctx context.Context, addr CustodialAddress) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO custodial_addresses (address, balance, native_balance, reserved, is_external, is_aml_banned, is_locked, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, now())
		ON CONFLICT (address) DO UPDATE SET
			balance = EXCLUDED.balance,
			native_balance = EXCLUDED.native_balance,
			reserved = 0,
			is_external = EXCLUDED.is_external,
			is_aml_banned = EXCLUDED.is_aml_banned,
			is_locked = EXCLUDED.is_locked,
			locked_by = NULL,
			locked_at = NULL,
			updated_at = now()
	`, addr.Address, addr.Balance.String(), addr.NativeBalance.String(), addr.IsExternal, addr.IsAMLBanned, addr.IsLocked)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapPgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return mapPgError(err)
		}
	}
	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	committed = true
	return nil
}

// recordMovement claims (saga, subject, kind). It reports false when the
// movement was already applied by an earlier attempt.
func recordMovement(ctx context.Context, tx pgx.Tx, sagaID uuid.UUID, subject, kind string, amount money.Money) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_movements (saga_id, subject, kind, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (saga_id, subject, kind) DO NOTHING
	`, sagaID, subject, kind, amount.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func getWalletForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (Wallet, error) {
	var w Wallet
	var balanceStr string
	row := tx.QueryRow(ctx, `
		SELECT user_id, balance::text, updated_at FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID)
	if err := row.Scan(&w.UserID, &balanceStr, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	balance, err := money.Parse(balanceStr)
	if err != nil {
		return Wallet{}, fmt.Errorf("parse wallet balance: %w", err)
	}
	w.Balance = balance
	return w, nil
}

func updateWalletBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, balance money.Money) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = $1, updated_at = now() WHERE user_id = $2
	`, balance.String(), userID)
	return err
}

// getAddressesForUpdate locks rows in address order and returns them in
// argument order.
func getAddressesForUpdate(ctx context.Context, tx pgx.Tx, addresses ...string) ([]CustodialAddress, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+addressColumns+`
		FROM custodial_addresses
		WHERE address = ANY($1::text[])
		ORDER BY address
		FOR UPDATE
	`, addresses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byAddress := make(map[string]CustodialAddress, len(addresses))
	for rows.Next() {
		addr, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		byAddress[addr.Address] = addr
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]CustodialAddress, 0, len(addresses))
	for _, a := range addresses {
		addr, ok := byAddress[a]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAddressNotFound, a)
		}
		out = append(out, addr)
	}
	return out, nil
}

func updateAddressAmounts(ctx context.Context, tx pgx.Tx, address string, balance, reserved money.Money) error {
	_, err := tx.Exec(ctx, `
		UPDATE custodial_addresses SET balance = $2, reserved = $3, updated_at = now() WHERE address = $1
	`, address, balance.String(), reserved.String())
	return err
}

const addressColumns = `address, balance::text, native_balance::text, reserved::text, is_external, is_aml_banned,
	is_locked, COALESCE(locked_by::text, ''), locked_at, updated_at`

func scanAddress(row pgx.Row) (CustodialAddress, error) {
	var addr CustodialAddress
	var balanceStr, nativeStr, reservedStr, lockedBy string
	if err := row.Scan(&addr.Address, &balanceStr, &nativeStr, &reservedStr, &addr.IsExternal, &addr.IsAMLBanned,
		&addr.IsLocked, &lockedBy, &addr.LockedAt, &addr.UpdatedAt); err != nil {
		return CustodialAddress{}, err
	}
	var err error
	if addr.Balance, err = money.Parse(balanceStr); err != nil {
		return CustodialAddress{}, fmt.Errorf("parse address balance: %w", err)
	}
	if addr.NativeBalance, err = money.Parse(nativeStr); err != nil {
		return CustodialAddress{}, fmt.Errorf("parse native balance: %w", err)
	}
	if addr.Reserved, err = money.Parse(reservedStr); err != nil {
		return CustodialAddress{}, fmt.Errorf("parse reserved amount: %w", err)
	}
	if lockedBy != "" {
		id, err := uuid.Parse(lockedBy)
		if err != nil {
			return CustodialAddress{}, fmt.Errorf("parse locked_by: %w", err)
		}
		addr.LockedBy = uuid.NullUUID{UUID: id, Valid: true}
	}
	return addr, nil
}

func heldBy(addr CustodialAddress, sagaID uuid.UUID) bool {
	return addr.IsLocked && addr.LockedBy.Valid && addr.LockedBy.UUID == sagaID
}

func shrinkReservation(reserved, amount money.Money) money.Money {
	left := reserved.Sub(amount)
	if left.IsNegative() {
		return money.Zero
	}
	return left
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == CodeLockNotAvailable {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return err
}

// IsRetryablePgError reports lock, serialization and deadlock failures.
func IsRetryablePgError(err error) bool {
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case CodeLockNotAvailable, CodeSerializationFailure, CodeDeadlockDetected:
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeUniqueViolation
	}
	return false
}

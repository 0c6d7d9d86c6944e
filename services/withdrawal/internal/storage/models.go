package storage

import (
	"encoding/json"
	"time"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/google/uuid"
)

type Wallet struct {
	UserID    uuid.UUID
	Balance   money.Money
	UpdatedAt time.Time
}

type CustodialAddress struct {
	Address       string
	Balance       money.Money
	NativeBalance money.Money
	Reserved      money.Money
	IsExternal    bool
	IsAMLBanned   bool
	IsLocked      bool
	LockedBy      uuid.NullUUID
	LockedAt      *time.Time
	UpdatedAt     time.Time
}

// Available is the part of Balance not reserved by an in-flight withdrawal.
func (a CustodialAddress) Available() money.Money {
	return a.Balance.Sub(a.Reserved)
}

func (a CustodialAddress) Eligible() bool {
	return !a.IsExternal && !a.IsAMLBanned
}

// Allocation is the amount a custodial address contributes to a withdrawal.
type Allocation struct {
	Address string      `json:"address"`
	Amount  money.Money `json:"amount"`
}

// Reservation is the outcome of locking one address for a saga.
type Reservation struct {
	Address  CustodialAddress
	Reserved money.Money
}

// Movement kinds recorded in ledger_movements.
const (
	MovementWalletDebit      = "wallet_debit"
	MovementWalletCredit     = "wallet_credit"
	MovementAddressDebit     = "address_debit"
	MovementInternalTransfer = "internal_transfer"
)

type SagaRecord struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TargetAddress string
	Amount        money.Money
	Step          string
	State         json.RawMessage
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type StepEntry struct {
	ID        int64
	SagaID    uuid.UUID
	Step      string
	Outcome   string
	Detail    string
	CreatedAt time.Time
}

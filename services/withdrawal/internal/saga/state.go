package saga

import (
	"errors"
	"fmt"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/selector"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
)

// State is the persisted step of a withdrawal saga.
type State string

const (
	StatePending           State = "pending"
	StateBalanceDebited    State = "balance_debited"
	StateAddressesSelected State = "addresses_selected"
	StateGasEnsured        State = "gas_ensured"
	StateConsolidated      State = "consolidated"
	StateBroadcast         State = "broadcast"
	StateCompleted         State = storage.StepCompleted
	StateCompensating      State = "compensating"
	StateFailed            State = storage.StepFailed
)

var ErrInvalidTransition = errors.New("invalid saga transition")

var forward = map[State]State{
	StatePending:           StateBalanceDebited,
	StateBalanceDebited:    StateAddressesSelected,
	StateAddressesSelected: StateGasEnsured,
	StateGasEnsured:        StateConsolidated,
	StateConsolidated:      StateBroadcast,
	StateBroadcast:         StateCompleted,
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Compensable reports whether a failure in s may still unwind the saga.
// Broadcast is the point of no return.
func (s State) Compensable() bool {
	switch s {
	case StatePending, StateBalanceDebited, StateAddressesSelected, StateGasEnsured, StateConsolidated:
		return true
	}
	return false
}

func (s State) Valid() bool {
	if _, ok := forward[s]; ok {
		return true
	}
	return s == StateCompleted || s == StateCompensating || s == StateFailed
}

func checkTransition(from, to State) error {
	switch {
	case forward[from] == to:
		return nil
	case to == StateCompensating && from.Compensable():
		return nil
	case from == StateCompensating && to == StateFailed:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Submission tracks one on-chain transfer. Tx is persisted before it is
// submitted; Accepted is set once the node has taken it.
type Submission struct {
	Key      string             `json:"key"`
	Transfer chain.Transfer     `json:"transfer"`
	Tx       *chain.Transaction `json:"tx,omitempty"`
	Accepted bool               `json:"accepted"`
}

// Unresolved reports whether the transfer may or may not be on chain.
func (s *Submission) Unresolved() bool {
	return s != nil && s.Tx != nil && !s.Accepted
}

// Progress is the saga's working state, stored as JSON on the saga record.
type Progress struct {
	Selection     *selector.Selection    `json:"selection,omitempty"`
	Gas           map[string]string      `json:"gas,omitempty"`
	Submissions   map[string]*Submission `json:"submissions,omitempty"`
	Consolidated  map[string]string      `json:"consolidated,omitempty"`
	BroadcastTxID string                 `json:"broadcast_tx_id,omitempty"`
	FailedAt      State                  `json:"failed_at,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
}

func (p *Progress) init() {
	if p.Gas == nil {
		p.Gas = map[string]string{}
	}
	if p.Submissions == nil {
		p.Submissions = map[string]*Submission{}
	}
	if p.Consolidated == nil {
		p.Consolidated = map[string]string{}
	}
}

func (p *Progress) unresolved() []string {
	var keys []string
	for key, sub := range p.Submissions {
		if sub.Unresolved() {
			keys = append(keys, key)
		}
	}
	return keys
}

func consolidateKey(sagaID, address string) string {
	return "consolidate:" + sagaID + ":" + address
}

func withdrawKey(sagaID string) string {
	return "withdraw:" + sagaID
}

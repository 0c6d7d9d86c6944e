package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrChainQuery         = errors.New("chain query failed")
	ErrChainBroadcast     = errors.New("chain broadcast failed")
	ErrTransactionExpired = errors.New("transaction expired before acceptance")
	ErrInvalidAddress     = errors.New("invalid tron address")
	ErrUnknownSigner      = errors.New("no signing key for address")
)

// Error describes a failed call against the chain API. Kind is ErrChainQuery
// or ErrChainBroadcast; Transient marks failures worth retrying.
type Error struct {
	Op        string
	Status    int
	Code      string
	Transient bool
	Kind      error
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	b.WriteString(": ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is a chain failure that may succeed on retry.
func IsTransient(err error) bool {
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return chainErr.Transient
	}
	return false
}

// Package money implements the fixed-point amount type used for every wallet,
// custodial address and on-chain value in the withdrawal service.
//
// Amounts carry at most Scale fractional digits, matching the smallest unit of
// both TRX (sun) and USDT-TRC20. There is no float path in or out of Money.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept by Money.
const Scale = 6

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrPrecision     = fmt.Errorf("amount has more than %d fractional digits", Scale)
	ErrOverflow      = errors.New("amount does not fit in base units")
)

var unitsPerWhole = decimal.New(1, Scale)

// Money is an exact decimal amount. The zero value is 0.
type Money struct {
	d decimal.Decimal
}

var Zero = Money{}

// Parse reads a decimal string such as "60" or "12.345678".
func Parse(s string) (Money, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Money{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal rejects values that cannot be represented without rounding.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Truncate(Scale)) {
		return Money{}, fmt.Errorf("%w: %s", ErrPrecision, d.String())
	}
	return Money{d: d}, nil
}

// FromUnits converts an integer amount of base units (sun for TRX, 1e-6 USDT).
func FromUnits(units int64) Money {
	return Money{d: decimal.New(units, -Scale)}
}

// FromBaseUnits converts an integer string expressed with the given number of
// decimals into Money. Chains that declare more decimals than Scale are
// accepted only when the value carries no digits beyond Scale.
func FromBaseUnits(raw string, decimals int32) (Money, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Zero, nil
	}
	n, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return Money{}, fmt.Errorf("%w: base units %q", ErrInvalidAmount, raw)
	}
	return FromDecimal(decimal.NewFromBigInt(n, -decimals))
}

// Units returns the amount in base units and fails rather than truncate.
func (m Money) Units() (int64, error) {
	n, err := m.BigUnits()
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, m.String())
	}
	return n.Int64(), nil
}

// BigUnits returns the amount in base units as a big integer.
func (m Money) BigUnits() (*big.Int, error) {
	shifted := m.d.Mul(unitsPerWhole)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s", ErrPrecision, m.d.String())
	}
	return shifted.BigInt(), nil
}

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }

func (m Money) Cmp(o Money) int                 { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool              { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool           { return m.d.LessThan(o.d) }
func (m Money) GreaterThan(o Money) bool        { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) IsZero() bool                    { return m.d.IsZero() }
func (m Money) IsNegative() bool                { return m.d.IsNegative() }
func (m Money) IsPositive() bool                { return m.d.IsPositive() }
func (m Money) Decimal() decimal.Decimal        { return m.d }

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// String renders the shortest exact representation ("60", "0.5").
func (m Money) String() string {
	return m.d.String()
}

// Fixed renders the amount with exactly Scale fractional digits.
func (m Money) Fixed() string {
	return m.d.StringFixed(Scale)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.d.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*m = Zero
		return nil
	}
	var s string
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = raw
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

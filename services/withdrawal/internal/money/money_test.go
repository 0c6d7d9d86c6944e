package money

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRejectsExtraPrecision(t *testing.T) {
	if _, err := Parse("1.0000001"); !errors.Is(err, ErrPrecision) {
		t.Fatalf("expected precision error, got %v", err)
	}
	m, err := Parse("1.500000000")
	if err != nil {
		t.Fatalf("trailing zeros should be accepted: %v", err)
	}
	if m.String() != "1.5" {
		t.Fatalf("expected 1.5, got %s", m.String())
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", " ", "abc", "1,5"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected invalid amount for %q, got %v", in, err)
		}
	}
}

func TestUnitsRoundTrip(t *testing.T) {
	m := MustParse("60.123456")
	units, err := m.Units()
	if err != nil {
		t.Fatalf("Units: %v", err)
	}
	if units != 60123456 {
		t.Fatalf("expected 60123456, got %d", units)
	}
	if !FromUnits(units).Equal(m) {
		t.Fatalf("round trip mismatch: %s", FromUnits(units))
	}
}

func TestFromBaseUnits(t *testing.T) {
	m, err := FromBaseUnits("35000000", 6)
	if err != nil {
		t.Fatalf("FromBaseUnits: %v", err)
	}
	if m.String() != "35" {
		t.Fatalf("expected 35, got %s", m)
	}

	m, err = FromBaseUnits("1000000000000000000", 18)
	if err != nil {
		t.Fatalf("FromBaseUnits 18 decimals: %v", err)
	}
	if m.String() != "1" {
		t.Fatalf("expected 1, got %s", m)
	}

	if _, err := FromBaseUnits("1000000000000000001", 18); !errors.Is(err, ErrPrecision) {
		t.Fatalf("expected precision error, got %v", err)
	}
	if _, err := FromBaseUnits("12x", 6); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestArithmeticIsExact(t *testing.T) {
	total := Zero
	for i := 0; i < 10; i++ {
		total = total.Add(MustParse("0.1"))
	}
	if !total.Equal(MustParse("1")) {
		t.Fatalf("expected exactly 1, got %s", total)
	}
	if !MustParse("100").Sub(MustParse("60")).Equal(MustParse("40")) {
		t.Fatalf("unexpected subtraction result")
	}
	if !Min(MustParse("30"), MustParse("40")).Equal(MustParse("30")) {
		t.Fatalf("unexpected min")
	}
}

func TestJSON(t *testing.T) {
	var payload struct {
		Amount Money `json:"amount"`
	}
	if err := json.Unmarshal([]byte(`{"amount":"12.5"}`), &payload); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if payload.Amount.String() != "12.5" {
		t.Fatalf("expected 12.5, got %s", payload.Amount)
	}
	if err := json.Unmarshal([]byte(`{"amount":7}`), &payload); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"amount":"7"}` {
		t.Fatalf("unexpected json %s", raw)
	}
	if err := json.Unmarshal([]byte(`{"amount":"0.0000001"}`), &payload); err == nil {
		t.Fatalf("expected precision error")
	}
}

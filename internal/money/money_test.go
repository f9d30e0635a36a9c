package money

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in    string
		units int64
		ok    bool
	}{
		{"0", 0, true},
		{"1", 1_000_000, true},
		{"11.50", 11_500_000, true},
		{"0.000001", 1, true},
		{".5", 500_000, true},
		{"2.", 2_000_000, true},
		{" 3 ", 3_000_000, true},
		{"", 0, false},
		{".", 0, false},
		{"-1", 0, false},
		{"+1", 0, false},
		{"1.2.3", 0, false},
		{"0.0000001", 0, false}, // more precision than carried
		{"1a", 0, false},
		{"1,50", 0, false},
	}
	for _, tt := range tests {
		a, err := Parse(tt.in, "usd")
		if tt.ok {
			if err != nil {
				t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
				continue
			}
			if a.Units != tt.units {
				t.Errorf("Parse(%q) = %d units, want %d", tt.in, a.Units, tt.units)
			}
			if a.Currency != "USD" {
				t.Errorf("Parse(%q) currency = %q, want USD", tt.in, a.Currency)
			}
		} else if err == nil {
			t.Errorf("Parse(%q): expected error, got %v", tt.in, a)
		}
	}
}

func TestString(t *testing.T) {
	if got := MustParse("11.5", "USD").String(); got != "11.500000" {
		t.Errorf("String() = %q, want 11.500000", got)
	}
	if got := FromUnits(1, "USD").String(); got != "0.000001" {
		t.Errorf("String() = %q, want 0.000001", got)
	}
	if got := FromUnits(-2_500_000, "USD").String(); got != "-2.500000" {
		t.Errorf("String() = %q, want -2.500000", got)
	}
}

func TestArithmeticRejectsCrossCurrency(t *testing.T) {
	usd := MustParse("10", "USD")
	eur := MustParse("10", "EUR")

	if _, err := usd.Add(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Add: expected ErrCurrencyMismatch, got %v", err)
	}
	if _, err := usd.Sub(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Sub: expected ErrCurrencyMismatch, got %v", err)
	}
	if _, err := usd.Cmp(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("Cmp: expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestSubRejectsNegativeResult(t *testing.T) {
	a := MustParse("5", "USD")
	b := MustParse("7", "USD")
	if _, err := a.Sub(b); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestBpsFloors(t *testing.T) {
	// 250 bps of 10.000001 floors the sub-unit remainder.
	a := FromUnits(10_000_001, "USD")
	fee := a.Bps(250)
	if fee.Units != 250_000 {
		t.Errorf("Bps(250) = %d units, want 250000", fee.Units)
	}
}

func TestBpsSurvivesLargeAmounts(t *testing.T) {
	// Near the top of the int64 range the intermediate product
	// a.Units * bps does not fit in 64 bits; the quotient still must
	// come out exact.
	a := FromUnits(9_000_000_000_000_000_000, "USD")
	fee := a.Bps(250)
	if fee.Units != 225_000_000_000_000_000 {
		t.Errorf("Bps(250) = %d units, want 225000000000000000", fee.Units)
	}

	full := a.Bps(10_000)
	if full.Units != a.Units {
		t.Errorf("Bps(10000) = %d units, want %d", full.Units, a.Units)
	}
}

func TestValidateShares(t *testing.T) {
	good := []Share{
		{Principal: "alice", Bps: 7000},
		{Principal: "bob", Bps: 3000},
	}
	if err := ValidateShares(good); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := [][]Share{
		nil,
		{{Principal: "", Bps: 10000}},
		{{Principal: "alice", Bps: 0}, {Principal: "bob", Bps: 10000}},
		{{Principal: "alice", Bps: 9999}},
		{{Principal: "alice", Bps: 6000}, {Principal: "bob", Bps: 6000}},
	}
	for i, shares := range bad {
		if err := ValidateShares(shares); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestSplitBpsConserves(t *testing.T) {
	// A total that does not divide evenly; remainder goes to index 0.
	total := FromUnits(10_000_001, "USD")
	shares := []Share{
		{Principal: "alice", Bps: 3333},
		{Principal: "bob", Bps: 3333},
		{Principal: "carol", Bps: 3334},
	}
	parts := SplitBps(total, shares, 0)

	var sum int64
	for _, p := range parts {
		sum += p.Units
	}
	if sum != total.Units {
		t.Errorf("split sums to %d, want %d", sum, total.Units)
	}
	// Non-remainder slices stay floored.
	if parts[1].Units != total.Bps(3333).Units {
		t.Errorf("slice 1 = %d, want floored %d", parts[1].Units, total.Bps(3333).Units)
	}
}

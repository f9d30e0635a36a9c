// Package money provides fixed-point currency arithmetic.
//
// Amounts are stored as int64 minor units with 6 decimal places
// (1.000000 = 1_000_000 units), tagged with an uppercase currency code.
// All settlement math is integer-only; there is no float path.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the fixed minor-unit precision for all currencies.
const Decimals = 6

// unitScale is 10^Decimals.
const unitScale = 1_000_000

// BpsDenominator is the basis-point denominator (100% = 10_000 bps).
const BpsDenominator = 10_000

var (
	ErrInvalidAmount    = errors.New("money: invalid amount")
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	ErrNegativeAmount   = errors.New("money: negative amount")
)

// Amount is a fixed-point monetary value in a single currency.
type Amount struct {
	Units    int64  `json:"units"`
	Currency string `json:"currency"`
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Amount {
	return Amount{Units: 0, Currency: normalize(currency)}
}

// FromUnits builds an Amount from raw minor units.
func FromUnits(units int64, currency string) Amount {
	return Amount{Units: units, Currency: normalize(currency)}
}

// Parse converts a decimal string (e.g. "11.50") into an Amount.
// Negative values, multiple decimal points, and fractional parts beyond
// six places are rejected rather than rounded.
func Parse(s, currency string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return Amount{}, ErrInvalidAmount
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Amount{}, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return Amount{}, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		return Amount{}, ErrInvalidAmount
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var units int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return Amount{}, ErrInvalidAmount
		}
		d := int64(r - '0')
		if units > (1<<62)/10 {
			return Amount{}, ErrInvalidAmount
		}
		units = units*10 + d
	}
	return Amount{Units: units, Currency: normalize(currency)}, nil
}

// MustParse is Parse for test fixtures and constants; it panics on error.
func MustParse(s, currency string) Amount {
	a, err := Parse(s, currency)
	if err != nil {
		panic(fmt.Sprintf("money: MustParse(%q): %v", s, err))
	}
	return a
}

// String formats the amount with exactly six decimal places.
func (a Amount) String() string {
	neg := a.Units < 0
	u := a.Units
	if neg {
		u = -u
	}
	s := fmt.Sprintf("%07d", u)
	dec := len(s) - Decimals
	out := s[:dec] + "." + s[dec:]
	if neg {
		out = "-" + out
	}
	return out
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Units == 0 }

// IsPositive reports whether the amount is strictly positive.
func (a Amount) IsPositive() bool { return a.Units > 0 }

// SameCurrency reports whether b is denominated in a's currency.
func (a Amount) SameCurrency(b Amount) bool {
	return normalize(a.Currency) == normalize(b.Currency)
}

// Add returns a+b, rejecting cross-currency operands.
func (a Amount) Add(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, ErrCurrencyMismatch
	}
	return Amount{Units: a.Units + b.Units, Currency: a.Currency}, nil
}

// Sub returns a-b, rejecting cross-currency operands and negative results.
func (a Amount) Sub(b Amount) (Amount, error) {
	if !a.SameCurrency(b) {
		return Amount{}, ErrCurrencyMismatch
	}
	if a.Units < b.Units {
		return Amount{}, ErrNegativeAmount
	}
	return Amount{Units: a.Units - b.Units, Currency: a.Currency}, nil
}

// Cmp compares a and b (-1, 0, 1). Cross-currency comparison is a
// programming error and is never silently numeric; it returns an error.
func (a Amount) Cmp(b Amount) (int, error) {
	if !a.SameCurrency(b) {
		return 0, ErrCurrencyMismatch
	}
	switch {
	case a.Units < b.Units:
		return -1, nil
	case a.Units > b.Units:
		return 1, nil
	}
	return 0, nil
}

// Bps returns floor(a * bps / 10000) in a's currency. Flooring means the
// sum of shares never exceeds the whole; callers route the remainder
// explicitly (settlement routes it to the seller). The intermediate
// product runs through big.Int: a.Units * bps exceeds int64 near the
// top of the representable range, and the floored quotient never does.
func (a Amount) Bps(bps int64) Amount {
	product := new(big.Int).Mul(big.NewInt(a.Units), big.NewInt(bps))
	units := product.Quo(product, big.NewInt(BpsDenominator)).Int64()
	return Amount{Units: units, Currency: a.Currency}
}

// Share is one (principal, basis points) entry of a percentage split.
type Share struct {
	Principal string `json:"principal"`
	Bps       int64  `json:"bps"`
}

// ValidateShares checks that a split is well-formed: no empty principals,
// no non-positive slices, and the basis points sum to exactly 10000.
func ValidateShares(shares []Share) error {
	if len(shares) == 0 {
		return errors.New("money: empty share list")
	}
	var total int64
	for _, s := range shares {
		if s.Principal == "" {
			return errors.New("money: share with empty principal")
		}
		if s.Bps <= 0 {
			return fmt.Errorf("money: share for %s has non-positive bps", s.Principal)
		}
		total += s.Bps
	}
	if total != BpsDenominator {
		return fmt.Errorf("money: shares sum to %d bps, want %d", total, BpsDenominator)
	}
	return nil
}

// SplitBps divides total across the shares by basis points, flooring each
// slice and assigning the remainder to the share at remainderIdx so the
// slices always sum exactly to total.
func SplitBps(total Amount, shares []Share, remainderIdx int) []Amount {
	out := make([]Amount, len(shares))
	var allocated int64
	for i, s := range shares {
		out[i] = total.Bps(s.Bps)
		allocated += out[i].Units
	}
	if remainderIdx >= 0 && remainderIdx < len(out) {
		out[remainderIdx].Units += total.Units - allocated
	}
	return out
}

func normalize(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

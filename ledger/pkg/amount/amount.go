// Package amount holds the fixed-point helpers shared by allocation, batching
// and persistence. Ledger amounts carry exactly seven fractional digits and
// every rounding step truncates toward zero.
package amount

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits the ledger keeps.
const Scale = 7

var (
	// Zero is the zero amount.
	Zero = decimal.Zero

	// Stroop is the smallest representable amount (10^-7).
	Stroop = decimal.New(1, -Scale)

	hundred = decimal.NewFromInt(100)
)

// Truncate drops digits beyond Scale without rounding up.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// MulDiv returns a*b/c truncated to Scale digits. c must be non-zero.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	q, _ := a.Mul(b).QuoRem(c, Scale)
	return q
}

// Percent returns pct percent of d, truncated.
func Percent(d, pct decimal.Decimal) decimal.Decimal {
	return MulDiv(d, pct, hundred)
}

// Parse parses a decimal string and rejects values with more than Scale digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.Equal(Truncate(d)) {
		return decimal.Zero, fmt.Errorf("invalid amount %q: more than %d fractional digits", s, Scale)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return Truncate(d).StringFixed(Scale)
}

// ToStroops converts an amount to its integer wire representation.
func ToStroops(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, errors.New("amount must not be negative")
	}
	s := Truncate(d).Shift(Scale)
	if s.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("amount %s overflows int64 stroops", d)
	}
	return s.IntPart(), nil
}

// FromStroops converts an integer wire amount back into a decimal.
func FromStroops(v int64) decimal.Decimal {
	return decimal.New(v, -Scale)
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

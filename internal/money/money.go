// Package money provides the fixed-point currency type used across the
// ledger. All amounts are integer cents in a single currency; floats never
// enter balance arithmetic.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is a two-decimal fixed-point amount in the portal's single currency.
type Cents int64

// FromFloat converts a display value (e.g. 100.00) to Cents, rounding to the
// nearest cent. Only used at the UI/CLI boundary.
func FromFloat(v float64) Cents {
	if v >= 0 {
		return Cents(v*100 + 0.5)
	}
	return Cents(v*100 - 0.5)
}

// Float returns the display value.
func (c Cents) Float() float64 {
	return float64(c) / 100
}

// String formats as a plain decimal with two places, e.g. "80.00".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Parse accepts "80", "80.5", "80.00" and returns the amount in cents.
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	v := w*100 + f
	if neg {
		v = -v
	}
	return Cents(v), nil
}

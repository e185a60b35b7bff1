// Package money provides shared monetary parsing, formatting, and the
// platform commission split.
//
// All amounts are stored as int64 cents (1.00 = 100 cents). Amounts cross
// the API boundary as 2-decimal strings and are converted exactly once at
// the edge.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const Decimals = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidRate   = errors.New("commission rate must be in [0,1)")
)

// Parse converts a decimal string (e.g. "150.00") to cents (15000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Negative amounts are rejected
//   - At most one decimal point
//   - Fractional parts longer than 2 digits are rejected (no silent truncation)
func Parse(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		// A dot requires digits on both sides: ".50" and "1." are rejected.
		frac = parts[1]
		if whole == "" || frac == "" {
			return 0, false
		}
	}
	if whole == "" {
		return 0, false
	}
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	if w > (math.MaxInt64-f)/100 {
		return 0, false
	}
	return w*100 + f, true
}

// Format converts cents to a human-readable 2-decimal string (15000 → "150.00").
func Format(cents int64) string {
	neg := cents < 0
	abs := cents
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/100, abs%100)
	if neg {
		s = "-" + s
	}
	return s
}

// Split computes the platform commission and the net payee amount for a
// gross amount at the given commission rate.
//
// The commission is rounded half-up to whole cents exactly once; the net
// amount is the remainder, so commission + net == gross always holds.
// The rate is captured on the escrow record at hold time and must never be
// re-read from configuration afterwards.
func Split(grossCents int64, rate float64) (commission, net int64, err error) {
	if grossCents <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	if rate < 0 || rate >= 1 || math.IsNaN(rate) {
		return 0, 0, ErrInvalidRate
	}
	commission = int64(math.Floor(float64(grossCents)*rate + 0.5))
	net = grossCents - commission
	return commission, net, nil
}

// Package money converts decimal amount strings to and from integer
// minor units.
//
// NGN amounts carry 2 decimals (kobo); USDC carries 6. All arithmetic is
// done on *big.Int in the smallest unit so nothing is lost to floating
// point.
package money

import (
	"math/big"
	"strings"
)

const (
	NGNDecimals  = 2
	USDCDecimals = 6

	// BpsDenominator is the basis-point scale (10000 bps = 100%).
	BpsDenominator = 10000
)

// Parse converts a decimal string (e.g. "50.5") into minor units at the
// given number of decimals. Extra fractional digits are rejected rather
// than truncated. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string is invalid
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
func Parse(s string, decimals int) (*big.Int, bool) {
	whole, frac, ok := split(s)
	if !ok || len(frac) > decimals {
		return nil, false
	}
	return combine(whole, pad(frac, decimals))
}

// ParseRound is Parse with round-half-up on digits beyond the scale.
// "1.0000005" at 6 decimals becomes 1000001.
func ParseRound(s string, decimals int) (*big.Int, bool) {
	whole, frac, ok := split(s)
	if !ok {
		return nil, false
	}
	if len(frac) <= decimals {
		return combine(whole, pad(frac, decimals))
	}
	roundUp := frac[decimals] >= '5'
	v, ok := combine(whole, frac[:decimals])
	if !ok {
		return nil, false
	}
	if roundUp {
		v.Add(v, big.NewInt(1))
	}
	return v, true
}

// Format converts minor units to a decimal string with exactly
// `decimals` fractional digits (e.g. 150 at 2 decimals is "1.50").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	out := s[:point]
	if decimals > 0 {
		out += "." + s[point:]
	}
	if neg {
		out = "-" + out
	}
	return out
}

// Normalize re-formats a decimal string at the given scale, e.g. "5000"
// at 2 decimals becomes "5000.00".
func Normalize(s string, decimals int) (string, bool) {
	v, ok := Parse(s, decimals)
	if !ok {
		return "", false
	}
	return Format(v, decimals), true
}

// Fee returns floor(amount * bps / 10000).
func Fee(amount *big.Int, bps int64) *big.Int {
	if amount == nil || bps <= 0 {
		return new(big.Int)
	}
	f := new(big.Int).Mul(amount, big.NewInt(bps))
	return f.Quo(f, big.NewInt(BpsDenominator))
}

// ClampBps bounds a basis-point value to [lo, hi].
func ClampBps(bps, lo, hi int64) int64 {
	if bps < lo {
		return lo
	}
	if bps > hi {
		return hi
	}
	return bps
}

// Mul multiplies a decimal amount string by an integer quantity,
// returning the product at the same scale.
func Mul(s string, qty int64, decimals int) (string, bool) {
	v, ok := Parse(s, decimals)
	if !ok {
		return "", false
	}
	return Format(v.Mul(v, big.NewInt(qty)), decimals), true
}

// Positive reports whether s parses to an amount > 0.
func Positive(s string, decimals int) bool {
	v, ok := Parse(s, decimals)
	return ok && v.Sign() > 0
}

func split(s string) (whole, frac string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return "", "", false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return "", "", false
	}
	whole = parts[0]
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" {
			return "", "", false
		}
	}
	if whole == "" {
		whole = "0"
	}
	if !digits(whole) || !digits(frac) {
		return "", "", false
	}
	return whole, frac, true
}

func pad(frac string, decimals int) string {
	for len(frac) < decimals {
		frac += "0"
	}
	return frac
}

func combine(whole, frac string) (*big.Int, bool) {
	return new(big.Int).SetString(whole+frac, 10)
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Package money provides shared parsing, formatting and arithmetic for
// monetary amounts.
//
// Amounts use 2 decimal places and are carried as big.Int in the smallest
// unit (1.00 = 100 units), so balance arithmetic is exact. Commission rates
// use 4 decimal places (0.05 = 500 rate units).
package money

import (
	"math/big"
	"strings"
)

// Decimals is the scale of monetary amounts.
const Decimals = 2

// RateDecimals is the scale of commission rates.
const RateDecimals = 4

// Parse converts a decimal string (e.g. "150.00") to its smallest-unit
// big.Int representation (15000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded to 2 decimal places; more than 2
//     fractional digits is rejected, never rounded or truncated
func Parse(s string) (*big.Int, bool) {
	return parseScaled(s, Decimals)
}

// ParseSigned is Parse but also accepts negative amounts. Used for
// operator adjustments; regular payment amounts stay non-negative.
func ParseSigned(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "-") {
		v, ok := parseScaled(s[1:], Decimals)
		if !ok {
			return nil, false
		}
		return v.Neg(v), true
	}
	return parseScaled(s, Decimals)
}

// ParseRate converts a rate string (e.g. "0.05") to rate units at scale 4
// (500). Rates must be in [0, 1).
func ParseRate(s string) (*big.Int, bool) {
	r, ok := parseScaled(s, RateDecimals)
	if !ok {
		return nil, false
	}
	if r.Cmp(rateOne) >= 0 {
		return nil, false
	}
	return r, true
}

var rateOne = big.NewInt(10000) // 1.0000 in rate units

func parseScaled(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Sub-unit precision would make the stored amount disagree with the
	// balance it moves, so excess digits are an error, not a rounding.
	if len(frac) > decimals {
		return nil, false
	}
	for len(frac) < decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 2 decimal places (e.g. "150.00").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Add returns the sum of two decimal strings. Invalid inputs count as zero.
func Add(a, b string) string {
	x, _ := ParseSigned(a)
	y, _ := ParseSigned(b)
	if x == nil {
		x = big.NewInt(0)
	}
	if y == nil {
		y = big.NewInt(0)
	}
	return Format(new(big.Int).Add(x, y))
}

// Sub returns a − b as a decimal string. Invalid inputs count as zero.
func Sub(a, b string) string {
	x, _ := ParseSigned(a)
	y, _ := ParseSigned(b)
	if x == nil {
		x = big.NewInt(0)
	}
	if y == nil {
		y = big.NewInt(0)
	}
	return Format(new(big.Int).Sub(x, y))
}

// Cmp compares two decimal strings: -1 if a < b, 0 if equal, 1 if a > b.
// Invalid inputs count as zero.
func Cmp(a, b string) int {
	x, _ := ParseSigned(a)
	y, _ := ParseSigned(b)
	if x == nil {
		x = big.NewInt(0)
	}
	if y == nil {
		y = big.NewInt(0)
	}
	return x.Cmp(y)
}

// IsPositive reports whether s parses to an amount strictly greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// ApplyRate computes amount × rate rounded half-up to 2 decimal places.
// The rounding happens exactly once, here; callers derive any complement
// (e.g. a seller share) by subtraction so the parts always sum to the whole.
func ApplyRate(amount, rate *big.Int) *big.Int {
	product := new(big.Int).Mul(amount, rate)
	q, r := new(big.Int).QuoRem(product, rateOne, new(big.Int))
	// Round half up: bump the quotient when the remainder is >= half the divisor.
	if new(big.Int).Lsh(r, 1).Cmp(rateOne) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Package usdc converts between decimal USDC strings and integer minor units.
//
// USDC uses 6 decimal places. All monetary fields in the application are
// int64 minor units (1 USDC = 1,000,000 units).
package usdc

import (
	"errors"
	"math"
	"math/big"
	"strconv"
	"strings"
)

const Decimals = 6

// Unit is the number of minor units in one USDC.
const Unit int64 = 1_000_000

var (
	ErrInvalid   = errors.New("usdc: invalid amount")
	ErrPrecision = errors.New("usdc: more than 6 decimal places")
	ErrOverflow  = errors.New("usdc: amount out of range")
)

// Parse converts a decimal string (e.g. "1.50") to minor units (1500000).
//
// Negative amounts, multiple decimal points, signs, exponents and digits
// beyond the sixth decimal place are rejected rather than rounded.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalid
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && (whole == "" || frac == "") {
		return 0, ErrInvalid
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, ErrInvalid
	}
	if len(frac) > Decimals {
		if strings.TrimRight(frac[Decimals:], "0") != "" {
			return 0, ErrPrecision
		}
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrOverflow
	}
	f, _ := strconv.ParseInt(frac, 10, 64)
	if w > (math.MaxInt64-f)/Unit {
		return 0, ErrOverflow
	}
	return w*Unit + f, nil
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders minor units with exactly 6 decimal places (e.g. "1.500000").
func Format(amount int64) string {
	neg := amount < 0
	u := uint64(amount)
	if neg {
		u = uint64(-(amount + 1)) + 1
	}
	s := strconv.FormatUint(u, 10)
	if len(s) < Decimals+1 {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	out := s[:len(s)-Decimals] + "." + s[len(s)-Decimals:]
	if neg {
		out = "-" + out
	}
	return out
}

// ToBig converts minor units to the big.Int used by token contracts.
func ToBig(amount int64) *big.Int {
	return big.NewInt(amount)
}

// FromBig converts an on-chain token amount to minor units.
func FromBig(amount *big.Int) (int64, error) {
	if amount == nil || amount.Sign() < 0 {
		return 0, ErrInvalid
	}
	if !amount.IsInt64() {
		return 0, ErrOverflow
	}
	return amount.Int64(), nil
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

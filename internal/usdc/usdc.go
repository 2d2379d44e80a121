// Package usdc converts between decimal USDC strings and the smallest-unit
// integers the escrow program settles in.
//
// USDC uses 6 decimal places: 1 USDC = 1,000,000 units.
package usdc

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 6

var (
	ErrInvalidAmount     = errors.New("usdc: invalid amount")
	ErrNonPositive       = errors.New("usdc: amount must be greater than zero")
	ErrPercentOutOfRange = errors.New("usdc: percentage must be between 0 and 100")
)

var hundred = big.NewInt(100)

// Parse converts a decimal string ("1.50") to smallest units (1500000).
// Empty input parses as zero. Negative values, signs, exponents and more
// than one decimal point are rejected. Digits beyond the sixth decimal are
// truncated.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}
	if whole == "" && frac == "" {
		return nil, false
	}

	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	return new(big.Int).SetString(whole+frac, 10)
}

// ParsePositive parses an amount that must be strictly greater than zero.
func ParsePositive(s string) (*big.Int, error) {
	v, ok := Parse(s)
	if !ok {
		return nil, ErrInvalidAmount
	}
	if v.Sign() <= 0 {
		return nil, ErrNonPositive
	}
	return v, nil
}

// Format renders smallest units with exactly 6 decimals ("1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	digits := new(big.Int).Abs(amount).String()
	if len(digits) <= Decimals {
		digits = strings.Repeat("0", Decimals+1-len(digits)) + digits
	}
	cut := len(digits) - Decimals
	out := digits[:cut] + "." + digits[cut:]
	if amount.Sign() < 0 {
		return "-" + out
	}
	return out
}

// SplitPercent divides amount between agent and owner. The agent receives
// floor(amount*pct/100); the owner gets the remainder, so the two always sum
// to amount and no unit is lost to rounding.
func SplitPercent(amount *big.Int, agentPct int) (agent, owner *big.Int, err error) {
	if agentPct < 0 || agentPct > 100 {
		return nil, nil, ErrPercentOutOfRange
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, ErrInvalidAmount
	}
	agent = new(big.Int).Mul(amount, big.NewInt(int64(agentPct)))
	agent.Quo(agent, hundred)
	owner = new(big.Int).Sub(amount, agent)
	return agent, owner, nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

package bank

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

var ErrAmountOverflow = errors.New("bank: amount exceeds 256 bits")

// ParseAmount parses a base-unit decimal integer. Values must fit in 256 bits;
// zero is accepted so callers can apply their own positivity rules.
func ParseAmount(amount string) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", trimmed)
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return nil, ErrAmountOverflow
	}
	return value, nil
}

// ParseUnits converts a human readable token quantity such as "12.5" into base
// units using the supplied decimal precision.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if !hasFrac {
		value, err := ParseAmount(whole)
		if err != nil {
			return nil, err
		}
		value.Mul(value, pow10(decimals))
		if _, overflow := uint256.FromBig(value); overflow {
			return nil, ErrAmountOverflow
		}
		return value, nil
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", trimmed, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	return ParseAmount(whole + frac)
}

// FormatUnits renders base units as a decimal token quantity, trimming
// trailing zeros from the fractional part.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(value)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	quo, rem := new(big.Int).QuoRem(abs, pow10(decimals), new(big.Int))
	if rem.Sign() == 0 {
		return sign + quo.String()
	}
	frac := rem.String()
	frac = strings.Repeat("0", int(decimals)-len(frac)) + frac
	return sign + quo.String() + "." + strings.TrimRight(frac, "0")
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

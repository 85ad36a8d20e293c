package processor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// currencies without a minor unit
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true,
	"xpf": true,
}

func exponent(currency string) int32 {
	if zeroDecimal[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinor converts a major-unit amount to the integer the provider charges.
// Amounts finer than the currency's minor unit are rejected, never rounded.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	minor := amount.Shift(exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", amount, strings.ToUpper(currency))
	}
	if !minor.IsPositive() {
		return 0, fmt.Errorf("amount %s must be positive", amount)
	}
	return minor.IntPart(), nil
}

func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -exponent(currency))
}

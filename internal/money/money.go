package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Wallets are denominated in USD; the mobile money rail settles in KES.
const (
	CurrencyUSD = "USD"
	CurrencyKES = "KES"
)

// DefaultExchangeRate is the USD -> KES rate used when none is configured.
var DefaultExchangeRate = decimal.NewFromInt(150)

const places = 2

// Round normalizes an amount to 2 decimal places, rounding half up.
// Conversions are not exact inverses of each other, but the same input
// always rounds to the same output.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(places)
}

// FromString parses a decimal amount and normalizes it to 2dp.
func FromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Round(d), nil
}

// MustFromString is FromString for trusted literals (fixtures, defaults).
func MustFromString(s string) decimal.Decimal {
	d, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// USDToKES converts a wallet amount to the mobile money currency.
func USDToKES(usd, rate decimal.Decimal) decimal.Decimal {
	return Round(usd.Mul(rate))
}

// KESToUSD converts a mobile money amount back to the wallet currency.
func KESToUSD(kes, rate decimal.Decimal) decimal.Decimal {
	return Round(kes.Div(rate))
}

// IsPositive reports whether the amount is strictly greater than zero.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// Format renders an amount with exactly two decimal places, e.g. "30.00".
func Format(d decimal.Decimal) string {
	return d.StringFixed(places)
}

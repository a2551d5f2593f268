// Package money converts between integer minor units and decimal amounts.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimal lists ISO 4217 currencies without a minor unit.
var zeroDecimal = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true, "UGX": true,
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int32 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// FromMinor turns minor units into a decimal in minor units. Arithmetic stays
// in minor units so only the final rounding decides fractional cents.
func FromMinor(minor int64) decimal.Decimal { return decimal.NewFromInt(minor) }

// RoundMinor rounds a minor-unit decimal to a whole minor unit using banker's
// rounding (half to even).
func RoundMinor(d decimal.Decimal) int64 { return d.RoundBank(0).IntPart() }

// Format renders minor units as "23.00 USD".
func Format(minor int64, currency string) string {
	exp := Exponent(currency)
	return fmt.Sprintf("%s %s", decimal.New(minor, -exp).StringFixed(exp), strings.ToUpper(currency))
}

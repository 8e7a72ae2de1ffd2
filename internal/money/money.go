// Package money converts between integer minor units and display amounts.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zero-decimal currencies; everything else uses two.
var exponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Exponent returns the number of minor-unit digits for an ISO 4217 currency.
func Exponent(currency string) int32 {
	if e, ok := exponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// ToDecimal converts minor units to a major-unit decimal.
func ToDecimal(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// Format renders minor units as a fixed-point string, e.g. 50000 INR -> "500.00".
func Format(minor int64, currency string) string {
	return ToDecimal(minor, currency).StringFixed(Exponent(currency))
}

// ParseMinor parses a major-unit amount ("500.00") into minor units. More
// fractional digits than the currency allows is an error.
func ParseMinor(amount, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q: %w", amount, err)
	}
	exp := Exponent(currency)
	scaled := d.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("money: %q has more than %d decimal places for %s", amount, exp, currency)
	}
	return scaled.IntPart(), nil
}

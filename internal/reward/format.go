package reward

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var shortSuffixes = []string{"", "K", "M", "B", "T"}

var thousand = decimal.NewFromInt(1000)

// FormatCompact renders a balance for humans: 950, 12.5K, 3.20M, 1.50e+15.
func FormatCompact(d decimal.Decimal, showDecimals bool) string {
	if d.IsNegative() {
		return "-" + FormatCompact(d.Abs(), showDecimals)
	}
	if d.LessThan(thousand) {
		if showDecimals && d.LessThan(hundred) {
			return d.StringFixed(2)
		}
		return d.Floor().String()
	}

	exponent := len(strings.TrimLeft(d.Floor().String(), "0")) - 1
	suffix := exponent / 3
	if suffix < len(shortSuffixes) {
		mantissa := d.Shift(int32(-3 * suffix))
		places := int32(2)
		switch {
		case mantissa.GreaterThanOrEqual(hundred):
			places = 0
		case mantissa.GreaterThanOrEqual(decimal.NewFromInt(10)):
			places = 1
		}
		return mantissa.StringFixed(places) + shortSuffixes[suffix]
	}

	mantissa := d.Shift(int32(-exponent)).Round(2)
	if mantissa.GreaterThanOrEqual(decimal.NewFromInt(10)) {
		mantissa = mantissa.Shift(-1).Round(2)
		exponent++
	}
	return fmt.Sprintf("%se+%d", mantissa.StringFixed(2), exponent)
}

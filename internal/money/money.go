// Package money handles monetary amounts denominated in micros: integer
// millionths of the base currency unit, carried across service boundaries
// as decimal strings so arithmetic and provenance hashes stay exact.
package money

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the number of micros in one currency unit.
const MicrosPerUnit = 1_000_000

// ErrInvalidAmount reports a malformed micros string.
var ErrInvalidAmount = errors.New("invalid micros amount")

// ParseMicros parses a decimal-string-encoded integer micros amount.
func ParseMicros(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// FormatMicros renders a micros amount back to its wire string form.
func FormatMicros(v int64) string {
	return strconv.FormatInt(v, 10)
}

// FormatUSD renders a micros amount as a dollar string with two decimal
// places, e.g. 50_000_000_000 -> "$50000.00".
func FormatUSD(micros int64) string {
	units := decimal.NewFromInt(micros).Div(decimal.NewFromInt(MicrosPerUnit))
	return "$" + units.StringFixed(2)
}

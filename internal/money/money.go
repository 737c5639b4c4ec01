// Package money holds the fixed-point currency helpers shared by the
// bill pipeline. All amounts are two-decimal USD values.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrRatioOutOfRange indicates a split ratio outside (0, 1).
var ErrRatioOutOfRange = errors.New("money: split ratio must be between 0 and 1 exclusive")

var printer = message.NewPrinter(language.AmericanEnglish)

// ParseRatio validates and converts a configured split ratio.
func ParseRatio(value float64) (decimal.Decimal, error) {
	ratio := decimal.NewFromFloat(value)
	if ratio.LessThanOrEqual(decimal.Zero) || ratio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrRatioOutOfRange
	}
	return ratio, nil
}

// Split divides an amount between the other party and the payer.
// The other party owes round(amount*ratio, 2); the payer covers the
// remainder, so the two portions always sum to the amount exactly and
// any residual cent lands on the payer's (larger) share.
func Split(amount, ratio decimal.Decimal) (other, self decimal.Decimal) {
	other = amount.Mul(ratio).Round(2)
	self = amount.Sub(other)
	return other, self
}

// FormatUSD renders an amount as a dollar string with grouping,
// e.g. "$1,326.71".
func FormatUSD(amount decimal.Decimal) string {
	return printer.Sprintf("$%.2f", amount.InexactFloat64())
}

// RequireTwoDecimals rejects amounts with more than two fractional
// digits or a negative sign.
func RequireTwoDecimals(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("money: amount %s is negative", amount)
	}
	if amount.Exponent() < -2 {
		return fmt.Errorf("money: amount %s has more than two decimal places", amount)
	}
	return nil
}

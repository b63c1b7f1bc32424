package pricing

import "github.com/shopspring/decimal"

// MoneyScale is the number of fractional digits kept for currency amounts.
const MoneyScale = 2

var (
	zero    = decimal.Zero
	hundred = decimal.NewFromInt(100)
)

// Quantize rounds an amount to MoneyScale digits, half away from zero.
// Discounts are never negative, so this is round-half-up for every amount
// the engine produces.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// FormatMoney renders an amount with exactly two fractional digits.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}

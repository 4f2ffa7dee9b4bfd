// Package money holds the fixed-point helpers shared by pricing and the ledger.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Currencies settled without minor units.
var wholeUnitCurrencies = map[string]bool{
	"RUB": true,
	"UAH": true,
	"TRY": true,
	"INR": true,
}

// Places returns the number of decimal places a currency is rounded to.
func Places(currency string) int32 {
	if wholeUnitCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(Places(currency))
}

func ClampPercent(p int) int {
	return max(0, min(100, p))
}

// ApplyDiscount returns amount × (1 − percent/100) with percent clamped to [0,100].
func ApplyDiscount(amount decimal.Decimal, percent int) decimal.Decimal {
	factor := hundred.Sub(decimal.NewFromInt(int64(ClampPercent(percent)))).Div(hundred)
	return amount.Mul(factor)
}

// DiscountPercent derives round(100 × (1 − amount/original)) clamped to [0,100].
func DiscountPercent(amount, original decimal.Decimal) int {
	if !original.IsPositive() {
		return 0
	}
	ratio := decimal.NewFromInt(1).Sub(amount.Div(original))
	return ClampPercent(int(ratio.Mul(hundred).Round(0).IntPart()))
}

// NonNegative floors negative amounts at zero.
func NonNegative(amount decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// Split divides total across weights in proportion, rounded to the currency's
// minor unit. Every share but the last is truncated and the last takes the
// remainder, so the shares always sum to total. Zero weights split evenly.
func Split(total decimal.Decimal, weights []decimal.Decimal, currency string) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return shares
	}

	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(NonNegative(w))
	}

	places := Places(currency)
	count := decimal.NewFromInt(int64(len(weights)))
	allocated := decimal.Zero
	for i, w := range weights[:len(weights)-1] {
		var share decimal.Decimal
		if sum.IsPositive() {
			share = total.Mul(NonNegative(w)).Div(sum)
		} else {
			share = total.Div(count)
		}
		shares[i] = share.Truncate(places)
		allocated = allocated.Add(shares[i])
	}
	shares[len(shares)-1] = total.Sub(allocated)
	return shares
}

package checkout

import (
	"github.com/shopspring/decimal"
)

// Per-line bounds. Together with the metadata size limit they keep every
// total well inside int64.
const (
	MaxUnitCents int64 = 99_999_999
	MaxQuantity        = 10_000
)

var (
	hundred      = decimal.NewFromInt(100)
	maxUnitCents = decimal.NewFromInt(MaxUnitCents)
)

// UnitCents converts a major-unit price to minor units, rounding half up to
// the nearest cent. The price must not exceed MaxUnitCents once rounded.
func UnitCents(price decimal.Decimal) int64 {
	return unitCents(price).IntPart()
}

func unitCents(price decimal.Decimal) decimal.Decimal {
	return price.Shift(2).Round(0)
}

// Subtotal sums round(price × 100) × quantity over the items. Each unit price
// is rounded before it is multiplied, so the result does not depend on item
// order. Items are expected to have passed validation.
func Subtotal(items []LineItem) int64 {
	var total int64
	for _, it := range items {
		total += UnitCents(it.Price) * int64(it.Quantity)
	}
	return total
}

// ApplyDiscount reduces total by round(total × percent / 100).
func ApplyDiscount(total int64, percent int) int64 {
	discount := decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(int64(percent))).
		Div(hundred).
		Round(0).
		IntPart()
	return total - discount
}

// ToMajor converts minor units to major units.
func ToMajor(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

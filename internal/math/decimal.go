package math

import (
	"github.com/shopspring/decimal"
)

// Epsilon is the quantity tolerance, in asset-native units, under which a
// remaining quantity is treated as fully closed.
var Epsilon = decimal.New(1, -6)

// DisplayPlaces is the rounding applied to values rendered for reports.
const DisplayPlaces = 8

// IsDust reports whether |v| <= Epsilon.
func IsDust(v decimal.Decimal) bool {
	return v.Abs().LessThanOrEqual(Epsilon)
}

// WeightedAverage merges (avgA, qtyA) with (priceB, qtyB):
//
//	(avgA*qtyA + priceB*qtyB) / (qtyA + qtyB)
//
// An empty left side returns priceB unchanged so a fresh position carries the
// exact trade price.
func WeightedAverage(avgA, qtyA, priceB, qtyB decimal.Decimal) decimal.Decimal {
	if qtyA.IsZero() {
		return priceB
	}
	total := qtyA.Add(qtyB)
	if total.IsZero() {
		return decimal.Zero
	}
	return avgA.Mul(qtyA).Add(priceB.Mul(qtyB)).Div(total)
}

// RealizedPnL computes profit on a close of matched units.
// long=true: (exit - entry) * qty; long=false: (entry - exit) * qty.
func RealizedPnL(long bool, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if long {
		return exit.Sub(entry).Mul(qty)
	}
	return entry.Sub(exit).Mul(qty)
}

// UnrealizedPnL marks remaining units against a current price.
func UnrealizedPnL(long bool, entry, mark, remaining decimal.Decimal) decimal.Decimal {
	return RealizedPnL(long, entry, mark, remaining)
}

// Apportion returns total * part / whole, the share of a trade-level amount
// (e.g. fee) attributable to part of its quantity.
func Apportion(total, part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() || total.IsZero() {
		return decimal.Zero
	}
	if part.Equal(whole) {
		return total
	}
	return total.Mul(part).Div(whole)
}

// Round rounds half-even to DisplayPlaces.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(DisplayPlaces)
}

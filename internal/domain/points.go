package domain

import "github.com/shopspring/decimal"

// ScalePoints applies reward multipliers to a nominal point amount using exact
// decimal arithmetic and rounds down. A positive nominal amount scaled by positive
// multipliers never drops below one point; a non-positive multiplier yields zero.
func ScalePoints(points int64, multipliers ...float64) int64 {
	if points <= 0 {
		return 0
	}
	scaled := decimal.NewFromInt(points)
	for _, m := range multipliers {
		if m <= 0 {
			return 0
		}
		if m >= 1 {
			continue
		}
		scaled = scaled.Mul(decimal.NewFromFloat(m))
	}
	result := scaled.Floor().IntPart()
	if result < 1 {
		return 1
	}
	return result
}

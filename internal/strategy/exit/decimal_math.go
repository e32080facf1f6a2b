package exit

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// pctFactor turns a percent into 1+pct/100 (or 1-pct/100 when down).
func pctFactor(pct float64, down bool) decimal.Decimal {
	p := decFromFloat(pct).Div(decHundred)
	if down {
		return decOne.Sub(p)
	}
	return decOne.Add(p)
}

// relativePrice returns base moved by pct percent.
func relativePrice(base decimal.Decimal, pct float64, down bool) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	return base.Mul(pctFactor(pct, down))
}

func targetHit(price, target decimal.Decimal) bool {
	return price.IsPositive() && target.IsPositive() && price.GreaterThanOrEqual(target)
}

func stopHit(price, stop decimal.Decimal) bool {
	return price.IsPositive() && stop.IsPositive() && price.LessThanOrEqual(stop)
}

func trailBreached(price, stop decimal.Decimal) bool {
	return price.IsPositive() && stop.IsPositive() && price.LessThan(stop)
}

func maxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

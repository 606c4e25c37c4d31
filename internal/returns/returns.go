// Package returns computes the realized outcome of a closed signal.
package returns

import (
	"signal-anchor/internal/models"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places a computed return is rounded to.
const Precision = 6

var hundred = decimal.NewFromInt(100)

// Compute returns the realized percentage return of a signal entered at entry
// and closed at closing. Hold (or any non-directional recommendation) has no
// outcome and yields nil. entry is validated positive when the signal is created.
func Compute(direction models.Recommendation, entry, closing float64) *float64 {
	e := decimal.NewFromFloat(entry)
	c := decimal.NewFromFloat(closing)

	var move decimal.Decimal
	switch direction {
	case models.RecommendBuy:
		move = c.Sub(e)
	case models.RecommendSell:
		move = e.Sub(c)
	default:
		return nil
	}

	pct, _ := move.Div(e).Mul(hundred).Round(Precision).Float64()
	return &pct
}

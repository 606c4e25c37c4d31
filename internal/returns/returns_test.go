package returns

import (
	"testing"

	"signal-anchor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	testCases := []struct {
		name      string
		direction models.Recommendation
		entry     float64
		closing   float64
		expected  float64
	}{
		{name: "BuyGain", direction: models.RecommendBuy, entry: 100, closing: 110, expected: 10},
		{name: "SellGain", direction: models.RecommendSell, entry: 100, closing: 90, expected: 10},
		{name: "BuyLoss", direction: models.RecommendBuy, entry: 100, closing: 90, expected: -10},
		{name: "SellLoss", direction: models.RecommendSell, entry: 100, closing: 125, expected: -25},
		{name: "Flat", direction: models.RecommendBuy, entry: 42.5, closing: 42.5, expected: 0},
		{name: "ExactDecimal", direction: models.RecommendBuy, entry: 150, closing: 165, expected: 10},
		{name: "Rounded", direction: models.RecommendBuy, entry: 3, closing: 4, expected: 33.333333},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.direction, tc.entry, tc.closing)
			require.NotNil(t, got)
			assert.Equal(t, tc.expected, *got)
		})
	}

	t.Run("HoldHasNoOutcome", func(t *testing.T) {
		assert.Nil(t, Compute(models.RecommendHold, 100, 110))
	})

	t.Run("UnknownDirection", func(t *testing.T) {
		assert.Nil(t, Compute(models.Recommendation("Short"), 100, 110))
	})
}

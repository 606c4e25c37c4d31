package portfolio

import (
	"signal-anchor/internal/models"
	"signal-anchor/internal/returns"

	"github.com/shopspring/decimal"
)

// SignalRef identifies a signal in a Stats leaderboard.
type SignalRef struct {
	ID                     uint64  `json:"id"`
	AssetName              string  `json:"assetName"`
	ActualReturnPercentage float64 `json:"actualReturnPercentage"`
}

// Stats summarizes a snapshot of signals.
type Stats struct {
	TotalCount           int                           `json:"totalCount"`
	StatusCounts         map[models.Status]int         `json:"statusCounts"`
	AvgConfidence        float64                       `json:"avgConfidence"`
	WinRate              float64                       `json:"winRate"`
	AvgReturn            float64                       `json:"avgReturn"`
	TotalReturn          float64                       `json:"totalReturn"`
	BestSignal           *SignalRef                    `json:"bestSignal"`
	WorstSignal          *SignalRef                    `json:"worstSignal"`
	AssetTypeCounts      map[models.AssetType]int      `json:"assetTypeCounts"`
	RecommendationCounts map[models.Recommendation]int `json:"recommendationCounts"`
	AnchoredCount        int                           `json:"anchoredCount"`
}

// Aggregate computes Stats over signals. Only Closed signals with a recorded
// return take part in win rate, return totals and the leaderboard.
func Aggregate(signals []models.Signal) Stats {
	stats := Stats{
		TotalCount:           len(signals),
		StatusCounts:         make(map[models.Status]int, len(models.Statuses)),
		AssetTypeCounts:      map[models.AssetType]int{},
		RecommendationCounts: map[models.Recommendation]int{},
	}
	for _, s := range models.Statuses {
		stats.StatusCounts[s] = 0
	}

	confidence := decimal.Zero
	total := decimal.Zero
	closedWithReturn := 0
	winning := 0

	for i := range signals {
		sig := &signals[i]
		stats.StatusCounts[sig.Status]++
		stats.AssetTypeCounts[sig.AssetType]++
		stats.RecommendationCounts[sig.Recommendation]++
		confidence = confidence.Add(decimal.NewFromInt(int64(sig.Confidence)))
		if sig.Enabled {
			stats.AnchoredCount++
		}

		if sig.Status != models.StatusClosed || sig.ActualReturnPercentage == nil {
			continue
		}
		ret := *sig.ActualReturnPercentage
		closedWithReturn++
		if ret > 0 {
			winning++
		}
		total = total.Add(decimal.NewFromFloat(ret))

		ref := &SignalRef{ID: sig.ID, AssetName: sig.AssetName, ActualReturnPercentage: ret}
		if stats.BestSignal == nil || ret > stats.BestSignal.ActualReturnPercentage {
			stats.BestSignal = ref
		}
		if stats.WorstSignal == nil || ret < stats.WorstSignal.ActualReturnPercentage {
			stats.WorstSignal = ref
		}
	}

	if stats.TotalCount > 0 {
		stats.AvgConfidence = confidence.Div(decimal.NewFromInt(int64(stats.TotalCount))).Round(returns.Precision).InexactFloat64()
	}
	if closedWithReturn > 0 {
		n := decimal.NewFromInt(int64(closedWithReturn))
		stats.WinRate = decimal.NewFromInt(int64(winning)).Div(n).Mul(decimal.NewFromInt(100)).Round(returns.Precision).InexactFloat64()
		stats.AvgReturn = total.Div(n).Round(returns.Precision).InexactFloat64()
		stats.TotalReturn = total.Round(returns.Precision).InexactFloat64()
	}
	return stats
}

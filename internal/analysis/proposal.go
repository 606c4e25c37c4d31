package analysis

import (
	"encoding/json"
	"fmt"

	"signal-anchor/internal/models"
	"signal-anchor/internal/store"

	"github.com/tidwall/gjson"
)

// Proposal is an analysis result offered for publication as a signal.
// Its content is re-validated when it becomes a signal.
type Proposal struct {
	Ref            string          `json:"id"`
	AssetName      string          `json:"assetName"`
	AssetType      string          `json:"assetType"`
	PatternName    string          `json:"patternName"`
	Recommendation string          `json:"recommendation"`
	Sentiment      string          `json:"sentiment"`
	Confidence     int             `json:"confidence"`
	PriceTargets   json.RawMessage `json:"priceTargets"`
	Indicators     json.RawMessage `json:"indicators"`
	Reason         string          `json:"reason"`
}

// CreateInput maps the proposal onto a signal creation request. Prices are
// read from the price-targets blob; the blob itself is kept as is.
func (p *Proposal) CreateInput() (store.CreateInput, error) {
	in := store.CreateInput{
		AssetName:      p.AssetName,
		AssetType:      models.AssetType(p.AssetType),
		PatternName:    p.PatternName,
		Recommendation: models.Recommendation(p.Recommendation),
		Sentiment:      models.Sentiment(p.Sentiment),
		Confidence:     p.Confidence,
		Reason:         p.Reason,
	}
	if p.Ref != "" {
		ref := p.Ref
		in.AnalysisRef = &ref
	}

	if len(p.PriceTargets) > 0 && gjson.ValidBytes(p.PriceTargets) {
		targets := gjson.ParseBytes(p.PriceTargets)
		in.EntryPrice = targets.Get("entry").Float()
		in.ExitPrice = firstPrice(targets, "exit", "target")
		in.TakeProfit = firstPrice(targets, "takeProfit")
		in.StopLoss = firstPrice(targets, "stopLoss")
	}

	var err error
	if in.PriceTargets, err = decodeBlob(p.PriceTargets); err != nil {
		return store.CreateInput{}, &store.ValidationError{Field: "priceTargets", Reason: err.Error()}
	}
	if in.Indicators, err = decodeBlob(p.Indicators); err != nil {
		return store.CreateInput{}, &store.ValidationError{Field: "indicators", Reason: err.Error()}
	}
	return in, nil
}

func firstPrice(targets gjson.Result, keys ...string) *float64 {
	for _, key := range keys {
		v := targets.Get(key)
		if v.Exists() && v.Type == gjson.Number {
			f := v.Float()
			return &f
		}
	}
	return nil
}

func decodeBlob(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("must be a JSON object: %w", err)
	}
	return out, nil
}

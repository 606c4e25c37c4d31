package models

import (
	"time"

	"gorm.io/datatypes"
)

// AssetType classifies the instrument a signal is about.
type AssetType string

const (
	AssetStock     AssetType = "Stock"
	AssetCrypto    AssetType = "Crypto"
	AssetForex     AssetType = "Forex"
	AssetCommodity AssetType = "Commodity"
	AssetIndex     AssetType = "Index"
)

// Recommendation is the trade direction a signal proposes.
type Recommendation string

const (
	RecommendBuy  Recommendation = "Buy"
	RecommendSell Recommendation = "Sell"
	RecommendHold Recommendation = "Hold"
)

// Sentiment is the market outlook attached to a signal.
type Sentiment string

const (
	SentimentBullish Sentiment = "Bullish"
	SentimentBearish Sentiment = "Bearish"
	SentimentNeutral Sentiment = "Neutral"
)

// Status is the lifecycle state of a signal.
type Status string

const (
	StatusOpen      Status = "Open"
	StatusClosed    Status = "Closed"
	StatusCancelled Status = "Cancelled"
	StatusExpired   Status = "Expired"
)

// Statuses lists every lifecycle state.
var Statuses = []Status{StatusOpen, StatusClosed, StatusCancelled, StatusExpired}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusOpen || s.Terminal()
}

// ChainStatus tracks where a signal stands against the on-chain registry.
// It is bookkeeping only; Enabled and ChainID remain the source of truth for anchoring.
type ChainStatus string

const (
	ChainNone          ChainStatus = "none"
	ChainAnchorPending ChainStatus = "anchor_pending"
	ChainAnchored      ChainStatus = "anchored"
	ChainAnchorFailed  ChainStatus = "anchor_failed"
	ChainAnchorUnknown ChainStatus = "anchor_unknown"
	ChainClosePending  ChainStatus = "close_pending"
	ChainClosed        ChainStatus = "closed_on_chain"
	ChainCloseFailed   ChainStatus = "close_failed"
	ChainCloseUnknown  ChainStatus = "close_unknown"
)

// Signal is a published trading recommendation.
type Signal struct {
	ID          uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID     *uint64 `gorm:"index" json:"chainId"`
	OwnerID     string  `gorm:"type:varchar(100);not null;index" json:"ownerId"`
	AnalysisRef *string `gorm:"type:varchar(100)" json:"analysisRef,omitempty"`

	AssetName      string         `gorm:"type:varchar(100);not null" json:"assetName"`
	AssetType      AssetType      `gorm:"type:varchar(16);not null;index" json:"assetType"`
	PatternName    string         `gorm:"type:varchar(100)" json:"patternName,omitempty"`
	Recommendation Recommendation `gorm:"type:varchar(8);not null" json:"recommendation"`
	Sentiment      Sentiment      `gorm:"type:varchar(16);not null" json:"sentiment"`
	Confidence     int            `gorm:"not null" json:"confidence"`

	EntryPrice float64  `gorm:"not null" json:"entryPrice"`
	ExitPrice  *float64 `json:"exitPrice,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`

	PriceTargets datatypes.JSON `json:"priceTargets,omitempty"`
	Indicators   datatypes.JSON `json:"indicators,omitempty"`
	Reason       string         `gorm:"type:text;not null" json:"reason"`

	Status                 Status   `gorm:"type:varchar(16);not null;default:'Open';index" json:"status"`
	Enabled                bool     `gorm:"not null;default:false" json:"enabled"`
	ActualClosedPrice      *float64 `json:"actualClosedPrice,omitempty"`
	ActualReturnPercentage *float64 `json:"actualReturnPercentage,omitempty"`

	ChainStatus    ChainStatus `gorm:"type:varchar(24);not null;default:'none';index" json:"chainStatus"`
	AnchorTxHash   *string     `gorm:"type:varchar(80)" json:"anchorTxHash,omitempty"`
	CloseTxHash    *string     `gorm:"type:varchar(80)" json:"closeTxHash,omitempty"`
	LastChainError *string     `gorm:"type:text" json:"lastChainError,omitempty"`

	CreatedAt time.Time  `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

func (Signal) TableName() string {
	return "signals"
}

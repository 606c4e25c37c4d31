package models

import "time"

// AttemptKind names the chain interaction an attempt row describes.
type AttemptKind string

const (
	AttemptAnchor    AttemptKind = "anchor"
	AttemptClose     AttemptKind = "close"
	AttemptReconcile AttemptKind = "reconcile"
)

// AttemptOutcome is the classified result of a chain interaction.
type AttemptOutcome string

const (
	OutcomeConfirmed    AttemptOutcome = "confirmed"
	OutcomeReverted     AttemptOutcome = "reverted"
	OutcomeUnknown      AttemptOutcome = "unknown"
	OutcomePrecondition AttemptOutcome = "precondition"
	OutcomeFailed       AttemptOutcome = "failed"
)

// ChainAttempt is an append-only audit record of one chain interaction for a signal.
type ChainAttempt struct {
	ID          string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	SignalID    uint64         `gorm:"not null;index" json:"signalId"`
	Kind        AttemptKind    `gorm:"type:varchar(16);not null;index" json:"kind"`
	Outcome     AttemptOutcome `gorm:"type:varchar(16);not null" json:"outcome"`
	TxHash      string         `gorm:"type:varchar(80)" json:"txHash,omitempty"`
	ChainID     *uint64        `json:"chainId,omitempty"`
	BlockNumber uint64         `json:"blockNumber,omitempty"`
	GasLimit    uint64         `json:"gasLimit,omitempty"`
	Error       string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt   time.Time      `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (ChainAttempt) TableName() string {
	return "chain_attempts"
}

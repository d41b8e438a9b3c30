package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the state of a cross-chain bridge transfer. Transitions
// are forward-only: a terminal transfer never moves again.
type TransferStatus string

const (
	TransferPending    TransferStatus = "PENDING"
	TransferProcessing TransferStatus = "PROCESSING"
	TransferCompleted  TransferStatus = "COMPLETED"
	TransferFailed     TransferStatus = "FAILED"
	TransferCancelled  TransferStatus = "CANCELLED"
)

// Cancellation is reachable from PENDING and PROCESSING; completion and
// failure only from PROCESSING.
var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferPending:    {TransferProcessing, TransferCancelled},
	TransferProcessing: {TransferCompleted, TransferFailed, TransferCancelled},
	TransferCompleted:  {},
	TransferFailed:     {},
	TransferCancelled:  {},
}

// Valid reports whether s is one of the five known statuses.
func (s TransferStatus) Valid() bool {
	_, ok := transferTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal step.
func (s TransferStatus) CanTransition(next TransferStatus) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is defined from s.
func (s TransferStatus) Terminal() bool {
	return len(transferTransitions[s]) == 0 && s.Valid()
}

type BridgeTransfer struct {
	ID            uint            `gorm:"primaryKey"`
	TransferID    string          `gorm:"column:transfer_id;size:64;uniqueIndex;not null"`
	SourceChain   string          `gorm:"column:source_chain;size:64;index;not null"`
	TargetChain   string          `gorm:"column:target_chain;size:64;index;not null"`
	SourceAddress string          `gorm:"column:source_address;size:128;not null"`
	TargetAddress string          `gorm:"column:target_address;size:128;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(38,18)"`
	Fee           decimal.Decimal `gorm:"column:fee;type:numeric(38,18)"`
	Status        TransferStatus  `gorm:"column:status;size:16;index;not null"`
	SourceTxHash  string          `gorm:"column:source_tx_hash;size:128"`
	TargetTxHash  string          `gorm:"column:target_tx_hash;size:128"`
	// Metadata is opaque to this layer and persisted as-is.
	Metadata []byte `gorm:"column:metadata"`
	// ColdStored is owned by the archival sweep; StuckFlagged by the
	// stuck-transfer sweep. Neither changes the transfer status.
	ColdStored   bool      `gorm:"column:cold_stored;index"`
	StuckFlagged bool      `gorm:"column:stuck_flagged"`
	CreatedAt    time.Time `gorm:"column:created_at;index"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (BridgeTransfer) TableName() string { return "bridge_transfer_history" }

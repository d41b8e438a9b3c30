// Package models defines the database models for the ledger persistence core.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of a ledger transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxConfirmed TransactionStatus = "CONFIRMED"
	TxFailed    TransactionStatus = "FAILED"
	TxArchived  TransactionStatus = "ARCHIVED"
)

var txTransitions = map[TransactionStatus][]TransactionStatus{
	TxPending:   {TxConfirmed, TxFailed},
	TxConfirmed: {TxArchived},
	TxFailed:    {TxArchived},
	TxArchived:  {},
}

// Valid reports whether s is one of the four known statuses.
func (s TransactionStatus) Valid() bool {
	_, ok := txTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal step.
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	for _, allowed := range txTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition except archival is defined.
// CONFIRMED and FAILED records are what the archival sweep is allowed to touch.
func (s TransactionStatus) Terminal() bool {
	return s == TxConfirmed || s == TxFailed
}

type Transaction struct {
	ID        string            `gorm:"column:id;primaryKey;size:64"`
	Amount    decimal.Decimal   `gorm:"column:amount;type:numeric(38,18)"`
	Status    TransactionStatus `gorm:"column:status;size:16;index;not null"`
	BlockRef  *uint64           `gorm:"column:block_ref;index"`
	CreatedAt time.Time         `gorm:"column:created_at;index"`
	UpdatedAt time.Time         `gorm:"column:updated_at"`
}

func (Transaction) TableName() string { return "transactions" }

// ArchivedTransaction is the cold copy of a transaction moved out of the hot
// path. The primary key equals the source transaction ID so re-archiving an
// already archived record is a conflict no-op.
type ArchivedTransaction struct {
	ID         string            `gorm:"column:id;primaryKey;size:64"`
	Amount     decimal.Decimal   `gorm:"column:amount;type:numeric(38,18)"`
	Status     TransactionStatus `gorm:"column:status;size:16"`
	BlockRef   *uint64           `gorm:"column:block_ref"`
	CreatedAt  time.Time         `gorm:"column:created_at"`
	ArchivedAt time.Time         `gorm:"column:archived_at"`
}

func (ArchivedTransaction) TableName() string { return "archived_transactions" }

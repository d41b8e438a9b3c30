package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Derived aggregate tables. Rows are rebuilt wholesale by the analytics
// materializer; nothing else writes them and no row is ever patched in place.

type DailyTransactionStat struct {
	Day            time.Time       `gorm:"column:day;primaryKey"`
	TxCount        int64           `gorm:"column:tx_count"`
	Volume         decimal.Decimal `gorm:"column:volume;type:numeric(38,18)"`
	ConfirmedCount int64           `gorm:"column:confirmed_count"`
	FailedCount    int64           `gorm:"column:failed_count"`
	GeneratedAt    time.Time       `gorm:"column:generated_at"`
}

func (DailyTransactionStat) TableName() string { return "daily_transaction_stats" }

type ValidatorPerformance struct {
	Address        string          `gorm:"column:address;primaryKey;size:128"`
	Status         ValidatorStatus `gorm:"column:status;size:16"`
	Stake          decimal.Decimal `gorm:"column:stake;type:numeric(38,18)"`
	BlocksProduced uint64          `gorm:"column:blocks_produced"`
	Uptime         float64         `gorm:"column:uptime"`
	GeneratedAt    time.Time       `gorm:"column:generated_at"`
}

func (ValidatorPerformance) TableName() string { return "validator_performance" }

type HealthSnapshot struct {
	ID                  uint      `gorm:"primaryKey"`
	BlockHeight         uint64    `gorm:"column:block_height"`
	TotalTransactions   int64     `gorm:"column:total_transactions"`
	PendingTransactions int64     `gorm:"column:pending_transactions"`
	ActiveValidators    int64     `gorm:"column:active_validators"`
	OpenRounds          int64     `gorm:"column:open_rounds"`
	PendingTransfers    int64     `gorm:"column:pending_transfers"`
	ActiveKeys          int64     `gorm:"column:active_keys"`
	GeneratedAt         time.Time `gorm:"column:generated_at"`
}

func (HealthSnapshot) TableName() string { return "blockchain_health" }

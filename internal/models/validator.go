package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValidatorStatus is the membership state of a validator.
type ValidatorStatus string

const (
	ValidatorActive   ValidatorStatus = "ACTIVE"
	ValidatorInactive ValidatorStatus = "INACTIVE"
	ValidatorSlashed  ValidatorStatus = "SLASHED"
)

// Valid reports whether s is a known validator status.
func (s ValidatorStatus) Valid() bool {
	switch s {
	case ValidatorActive, ValidatorInactive, ValidatorSlashed:
		return true
	}
	return false
}

type Validator struct {
	Address        string          `gorm:"column:address;primaryKey;size:128"`
	Stake          decimal.Decimal `gorm:"column:stake;type:numeric(38,18)"`
	Status         ValidatorStatus `gorm:"column:status;size:16;index;not null"`
	BlocksProduced uint64          `gorm:"column:blocks_produced"`
	Uptime         float64         `gorm:"column:uptime"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Validator) TableName() string { return "validators" }

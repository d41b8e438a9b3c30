package models

import "time"

type Block struct {
	Sequence    uint64    `gorm:"column:sequence;primaryKey;autoIncrement:false"`
	Hash        string    `gorm:"column:hash;size:128;uniqueIndex;not null"`
	ProposerRef string    `gorm:"column:proposer_ref;size:128;index;not null"`
	Timestamp   time.Time `gorm:"column:timestamp;index"`
	TxCount     int       `gorm:"column:tx_count"`
	CreatedAt   time.Time
}

func (Block) TableName() string { return "blocks" }

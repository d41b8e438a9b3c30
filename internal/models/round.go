package models

import "time"

// RoundResult is the recorded outcome of a consensus round. A round stays
// OPEN until exactly one close call wins; the result is immutable afterwards.
type RoundResult string

const (
	RoundOpen      RoundResult = "OPEN"
	RoundCommitted RoundResult = "COMMITTED"
	RoundAborted   RoundResult = "ABORTED"
)

// Terminal reports whether the result can no longer change.
func (r RoundResult) Terminal() bool {
	return r == RoundCommitted || r == RoundAborted
}

type ConsensusRound struct {
	RoundNumber uint64      `gorm:"column:round_number;primaryKey;autoIncrement:false"`
	Result      RoundResult `gorm:"column:result;size:16;index;not null"`
	StartedAt   time.Time   `gorm:"column:started_at"`
	EndedAt     *time.Time  `gorm:"column:ended_at"`
}

func (ConsensusRound) TableName() string { return "consensus_rounds" }

// RoundParticipant links a round to one participating validator by address.
// Validator attributes are never duplicated here.
type RoundParticipant struct {
	RoundNumber      uint64 `gorm:"column:round_number;primaryKey;autoIncrement:false"`
	ValidatorAddress string `gorm:"column:validator_address;primaryKey;size:128"`
}

func (RoundParticipant) TableName() string { return "consensus_round_participants" }

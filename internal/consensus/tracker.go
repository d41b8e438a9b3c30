// Package consensus records round-level outcomes: when a round opened, who
// participated, and how it ended. A round's result is written exactly once.
package consensus

import (
	"context"
	"time"

	"chain-ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var log = logrus.WithField("prefix", "consensus")

var roundsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "consensus_rounds_closed_total",
	Help: "Number of consensus rounds closed, by result",
}, []string{"result"})

// Tracker owns all writes to consensus rounds and their participant sets.
type Tracker struct {
	db *gorm.DB
}

func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{db: db}
}

// OpenRound starts tracking a round with its participant set. Round numbers
// are single-use, and a new round may not open while an earlier one is still
// undecided.
func (t *Tracker) OpenRound(ctx context.Context, number uint64, participants []string) error {
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.ConsensusRound{}).Where("round_number = ?", number).Count(&count).Error; err != nil {
			return errors.Wrap(err, "look up round")
		}
		if count > 0 {
			return errors.Wrapf(ErrDuplicateRound, "round %d", number)
		}

		var open int64
		if err := tx.Model(&models.ConsensusRound{}).
			Where("result = ? AND round_number < ?", models.RoundOpen, number).
			Count(&open).Error; err != nil {
			return errors.Wrap(err, "look up open rounds")
		}
		if open > 0 {
			return errors.Wrapf(ErrPriorRoundOpen, "round %d blocked", number)
		}

		round := &models.ConsensusRound{
			RoundNumber: number,
			Result:      models.RoundOpen,
			StartedAt:   time.Now().UTC(),
		}
		if err := tx.Create(round).Error; err != nil {
			return errors.Wrap(err, "persist round")
		}

		for _, addr := range participants {
			p := &models.RoundParticipant{RoundNumber: number, ValidatorAddress: addr}
			if err := tx.Create(p).Error; err != nil {
				return errors.Wrap(err, "persist participant")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"round": number, "participants": len(participants)}).Debug("Round opened")
	return nil
}

// CloseRound records the round's result. When callers race, the conditional
// update lets exactly one writer through; everyone else gets ErrRoundNotOpen,
// as does any close of an unknown or already decided round.
func (t *Tracker) CloseRound(ctx context.Context, number uint64, result models.RoundResult) error {
	if !result.Terminal() {
		return errors.Wrapf(ErrInvalidResult, "result %s", result)
	}

	res := t.db.WithContext(ctx).Model(&models.ConsensusRound{}).
		Where("round_number = ? AND result = ?", number, models.RoundOpen).
		Updates(map[string]interface{}{
			"result":   result,
			"ended_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "close round")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrRoundNotOpen, "round %d", number)
	}

	roundsClosed.WithLabelValues(string(result)).Inc()
	log.WithFields(logrus.Fields{"round": number, "result": result}).Info("Round closed")
	return nil
}

// NextRoundNumber returns the lowest round number not yet used.
func (t *Tracker) NextRoundNumber(ctx context.Context) (uint64, error) {
	var latest models.ConsensusRound
	err := t.db.WithContext(ctx).Order("round_number DESC").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read latest round")
	}
	return latest.RoundNumber + 1, nil
}

// AbortOpen closes every OPEN round as ABORTED. Used on startup to clear
// rounds a previous process left undecided.
func (t *Tracker) AbortOpen(ctx context.Context) (int64, error) {
	res := t.db.WithContext(ctx).Model(&models.ConsensusRound{}).
		Where("result = ?", models.RoundOpen).
		Updates(map[string]interface{}{
			"result":   models.RoundAborted,
			"ended_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "abort open rounds")
	}
	if res.RowsAffected > 0 {
		roundsClosed.WithLabelValues(string(models.RoundAborted)).Add(float64(res.RowsAffected))
		log.WithField("count", res.RowsAffected).Warn("Aborted rounds left open by previous run")
	}
	return res.RowsAffected, nil
}

// Get fetches a round by number.
func (t *Tracker) Get(ctx context.Context, number uint64) (*models.ConsensusRound, error) {
	var round models.ConsensusRound
	err := t.db.WithContext(ctx).First(&round, "round_number = ?", number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrRoundNotFound, "round %d", number)
	}
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// Participants returns the validator addresses recorded for a round.
func (t *Tracker) Participants(ctx context.Context, number uint64) ([]string, error) {
	var rows []models.RoundParticipant
	err := t.db.WithContext(ctx).
		Where("round_number = ?", number).
		Order("validator_address ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list participants")
	}
	addrs := make([]string, 0, len(rows))
	for _, row := range rows {
		addrs = append(addrs, row.ValidatorAddress)
	}
	return addrs, nil
}

// RoundDuration reports how long a round ran. Zero with a nil error means
// the round is still open. Reporting only; nothing decides on this.
func (t *Tracker) RoundDuration(ctx context.Context, number uint64) (time.Duration, error) {
	round, err := t.Get(ctx, number)
	if err != nil {
		return 0, err
	}
	if round.EndedAt == nil {
		return 0, nil
	}
	return round.EndedAt.Sub(round.StartedAt), nil
}

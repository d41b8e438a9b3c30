// Package validators maintains the durable validator registry: identity,
// stake, membership status, and per-validator production counters.
package validators

import (
	"context"
	"time"

	"chain-ledger/internal/async"
	"chain-ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var log = logrus.WithField("prefix", "validators")

var blocksRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "validators_blocks_recorded_total",
	Help: "Number of block production events credited to validators",
})

const defaultUptimeWindow = 100

// Registry owns all writes to validator rows.
type Registry struct {
	db           *gorm.DB
	uptimeWindow uint64
}

// NewRegistry returns a registry computing uptime over the most recent
// uptimeWindow blocks. Zero selects the default window.
func NewRegistry(db *gorm.DB, uptimeWindow uint64) *Registry {
	if uptimeWindow == 0 {
		uptimeWindow = defaultUptimeWindow
	}
	return &Registry{db: db, uptimeWindow: uptimeWindow}
}

// Register adds a validator. The address must be unused and the stake
// non-negative. An empty status defaults to ACTIVE.
func (r *Registry) Register(ctx context.Context, v *models.Validator) error {
	if v.Address == "" {
		return errors.New("validator address required")
	}
	if v.Stake.IsNegative() {
		return errors.Wrapf(ErrNegativeStake, "stake %s", v.Stake)
	}
	if v.Status == "" {
		v.Status = models.ValidatorActive
	}
	if !v.Status.Valid() {
		return errors.Wrapf(ErrInvalidStatus, "status %s", v.Status)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Validator{}).Where("address = ?", v.Address).Count(&count).Error; err != nil {
			return errors.Wrap(err, "look up validator")
		}
		if count > 0 {
			return errors.Wrapf(ErrValidatorExists, "address %s", v.Address)
		}
		now := time.Now().UTC()
		v.CreatedAt = now
		v.UpdatedAt = now
		return errors.Wrap(tx.Create(v).Error, "persist validator")
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"address": v.Address, "stake": v.Stake}).Info("Validator registered")
	return nil
}

// UpdateStatus moves a validator to the given membership status.
func (r *Registry) UpdateStatus(ctx context.Context, addr string, status models.ValidatorStatus) error {
	if !status.Valid() {
		return errors.Wrapf(ErrInvalidStatus, "status %s", status)
	}
	res := r.db.WithContext(ctx).Model(&models.Validator{}).
		Where("address = ?", addr).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return errors.Wrap(res.Error, "update validator status")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrUnknownValidator, "address %s", addr)
	}
	log.WithFields(logrus.Fields{"address": addr, "status": status}).Info("Validator status updated")
	return nil
}

// UpdateStake sets a validator's stake to an absolute amount.
func (r *Registry) UpdateStake(ctx context.Context, addr string, stake decimal.Decimal) error {
	if stake.IsNegative() {
		return errors.Wrapf(ErrNegativeStake, "stake %s", stake)
	}
	res := r.db.WithContext(ctx).Model(&models.Validator{}).
		Where("address = ?", addr).
		Updates(map[string]interface{}{"stake": stake, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return errors.Wrap(res.Error, "update validator stake")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrUnknownValidator, "address %s", addr)
	}
	return nil
}

// RecordBlockProduced credits one produced block to the validator and
// recomputes its uptime ratio over the observation window. The counter
// bump runs as a single UPDATE so concurrent events for the same validator
// never lose increments, and the per-validator lock keeps the counter and
// ratio mutually consistent without serializing distinct validators.
func (r *Registry) RecordBlockProduced(ctx context.Context, addr string) error {
	lock := async.NewMultilock("validators/" + addr)
	lock.Lock()
	defer lock.Unlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Validator{}).
			Where("address = ?", addr).
			Updates(map[string]interface{}{
				"blocks_produced": gorm.Expr("blocks_produced + ?", 1),
				"updated_at":      time.Now().UTC(),
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "increment blocks produced")
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrUnknownValidator, "address %s", addr)
		}

		uptime, err := r.windowedUptime(tx, addr)
		if err != nil {
			return err
		}
		return errors.Wrap(tx.Model(&models.Validator{}).
			Where("address = ?", addr).
			Update("uptime", uptime).Error, "update uptime")
	})
	if err != nil {
		return err
	}

	blocksRecorded.Inc()
	return nil
}

// windowedUptime is the share of the most recent uptimeWindow blocks that
// the validator proposed. A chain shorter than the window uses its actual
// length as the denominator.
func (r *Registry) windowedUptime(tx *gorm.DB, addr string) (float64, error) {
	var total int64
	if err := tx.Model(&models.Block{}).Count(&total).Error; err != nil {
		return 0, errors.Wrap(err, "count blocks")
	}
	if total == 0 {
		return 0, nil
	}
	window := int64(r.uptimeWindow)
	if total < window {
		window = total
	}

	recent := tx.Model(&models.Block{}).
		Select("proposer_ref").
		Order("sequence DESC").
		Limit(int(window))
	var produced int64
	if err := tx.Table("(?) AS recent", recent).Where("proposer_ref = ?", addr).Count(&produced).Error; err != nil {
		return 0, errors.Wrap(err, "count produced blocks")
	}
	return float64(produced) / float64(window), nil
}

// Get fetches a validator by address.
func (r *Registry) Get(ctx context.Context, addr string) (*models.Validator, error) {
	var v models.Validator
	err := r.db.WithContext(ctx).First(&v, "address = ?", addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrUnknownValidator, "address %s", addr)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListActive returns all ACTIVE validators ordered by address.
func (r *Registry) ListActive(ctx context.Context) ([]models.Validator, error) {
	var vals []models.Validator
	err := r.db.WithContext(ctx).
		Where("status = ?", models.ValidatorActive).
		Order("address ASC").
		Find(&vals).Error
	if err != nil {
		return nil, errors.Wrap(err, "list active validators")
	}
	return vals, nil
}

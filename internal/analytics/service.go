// Package analytics materializes the derived aggregate tables: daily
// transaction stats, validator performance, and the chain health snapshot.
// Every refresh recomputes from the primary stores and swaps the previous
// rows out wholesale; nothing is patched incrementally, so the aggregates
// can never drift from their sources.
package analytics

import (
	"context"
	"time"

	"chain-ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var log = logrus.WithField("prefix", "analytics")

var (
	refreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_refreshes_total",
		Help: "Number of completed aggregate refreshes",
	})
	refreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analytics_refresh_failures_total",
		Help: "Number of failed aggregate refreshes",
	})
)

const aggregateBatchSize = 500

// Config options for the analytics service.
type Config struct {
	Database *gorm.DB
	Interval time.Duration
}

// Service refreshes the aggregates on a fixed interval and on demand.
type Service struct {
	ctx      context.Context
	cancel   context.CancelFunc
	db       *gorm.DB
	interval time.Duration
	trigger  chan struct{}
}

// NewService initializes the analytics service from configuration options.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		db:       cfg.Database,
		interval: cfg.Interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Start the refresh loop.
func (s *Service) Start() {
	log.WithField("interval", s.interval).Info("Starting analytics service")
	go s.run()
}

// Stop the refresh loop.
func (s *Service) Stop() error {
	defer s.cancel()
	log.Info("Stopping analytics service")
	return nil
}

// Status always reports healthy; a failed refresh retries on the next tick.
func (s *Service) Status() error {
	return nil
}

// Trigger requests an immediate refresh without waiting for the interval.
// Never blocks; a refresh request already queued is enough.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh()
		case <-s.trigger:
			s.refresh()
		case <-s.ctx.Done():
			log.Debug("Context closed, exiting run loop")
			return
		}
	}
}

func (s *Service) refresh() {
	if err := s.RefreshAll(s.ctx); err != nil {
		refreshFailures.Inc()
		log.WithError(err).Error("Aggregate refresh failed")
	}
}

// RefreshAll rebuilds all three aggregate tables. Each table swaps inside
// its own transaction, so readers see either the previous rows or the new
// ones, never a half-rebuilt table.
func (s *Service) RefreshAll(ctx context.Context) error {
	started := time.Now()
	if err := s.refreshDailyStats(ctx); err != nil {
		return errors.Wrap(err, "refresh daily stats")
	}
	if err := s.refreshValidatorPerformance(ctx); err != nil {
		return errors.Wrap(err, "refresh validator performance")
	}
	if err := s.refreshHealthSnapshot(ctx); err != nil {
		return errors.Wrap(err, "refresh health snapshot")
	}

	refreshes.Inc()
	log.WithField("took", time.Since(started)).Debug("Aggregates refreshed")
	return nil
}

// refreshDailyStats buckets every transaction into its UTC day. Bucketing
// and the volume sum happen in Go: decimal amounts must not round through
// the database's float arithmetic, and day extraction syntax is not
// portable across the supported engines.
func (s *Service) refreshDailyStats(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		stats := make(map[time.Time]*models.DailyTransactionStat)

		var batch []models.Transaction
		res := tx.FindInBatches(&batch, aggregateBatchSize, func(*gorm.DB, int) error {
			for i := range batch {
				day := batch[i].CreatedAt.UTC().Truncate(24 * time.Hour)
				stat, ok := stats[day]
				if !ok {
					stat = &models.DailyTransactionStat{Day: day, Volume: decimal.Zero, GeneratedAt: now}
					stats[day] = stat
				}
				stat.TxCount++
				stat.Volume = stat.Volume.Add(batch[i].Amount)
				switch batch[i].Status {
				case models.TxConfirmed:
					stat.ConfirmedCount++
				case models.TxFailed:
					stat.FailedCount++
				}
			}
			return nil
		})
		if res.Error != nil {
			return errors.Wrap(res.Error, "scan transactions")
		}

		if err := tx.Where("1 = 1").Delete(&models.DailyTransactionStat{}).Error; err != nil {
			return errors.Wrap(err, "clear daily stats")
		}
		rows := make([]models.DailyTransactionStat, 0, len(stats))
		for _, stat := range stats {
			rows = append(rows, *stat)
		}
		if len(rows) == 0 {
			return nil
		}
		return errors.Wrap(tx.CreateInBatches(rows, aggregateBatchSize).Error, "insert daily stats")
	})
}

func (s *Service) refreshValidatorPerformance(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var validators []models.Validator
		if err := tx.Find(&validators).Error; err != nil {
			return errors.Wrap(err, "scan validators")
		}

		if err := tx.Where("1 = 1").Delete(&models.ValidatorPerformance{}).Error; err != nil {
			return errors.Wrap(err, "clear validator performance")
		}
		rows := make([]models.ValidatorPerformance, 0, len(validators))
		for _, v := range validators {
			rows = append(rows, models.ValidatorPerformance{
				Address:        v.Address,
				Status:         v.Status,
				Stake:          v.Stake,
				BlocksProduced: v.BlocksProduced,
				Uptime:         v.Uptime,
				GeneratedAt:    now,
			})
		}
		if len(rows) == 0 {
			return nil
		}
		return errors.Wrap(tx.CreateInBatches(rows, aggregateBatchSize).Error, "insert validator performance")
	})
}

func (s *Service) refreshHealthSnapshot(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := models.HealthSnapshot{GeneratedAt: time.Now().UTC()}

		var head models.Block
		err := tx.Order("sequence DESC").First(&head).Error
		switch {
		case err == nil:
			snap.BlockHeight = head.Sequence
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return errors.Wrap(err, "read chain head")
		}

		counts := []struct {
			dest  *int64
			query *gorm.DB
		}{
			{&snap.TotalTransactions, tx.Model(&models.Transaction{})},
			{&snap.PendingTransactions, tx.Model(&models.Transaction{}).Where("status = ?", models.TxPending)},
			{&snap.ActiveValidators, tx.Model(&models.Validator{}).Where("status = ?", models.ValidatorActive)},
			{&snap.OpenRounds, tx.Model(&models.ConsensusRound{}).Where("result = ?", models.RoundOpen)},
			{&snap.PendingTransfers, tx.Model(&models.BridgeTransfer{}).Where("status = ?", models.TransferPending)},
			{&snap.ActiveKeys, tx.Model(&models.QuantumKey{}).Where("status = ?", models.KeyActive)},
		}
		for _, c := range counts {
			if err := c.query.Count(c.dest).Error; err != nil {
				return errors.Wrap(err, "count health metric")
			}
		}

		if err := tx.Where("1 = 1").Delete(&models.HealthSnapshot{}).Error; err != nil {
			return errors.Wrap(err, "clear health snapshot")
		}
		return errors.Wrap(tx.Create(&snap).Error, "insert health snapshot")
	})
}

// LatestSnapshot returns the current health snapshot row.
func (s *Service) LatestSnapshot(ctx context.Context) (*models.HealthSnapshot, error) {
	var snap models.HealthSnapshot
	err := s.db.WithContext(ctx).Order("generated_at DESC").First(&snap).Error
	if err != nil {
		return nil, errors.Wrap(err, "read health snapshot")
	}
	return &snap, nil
}

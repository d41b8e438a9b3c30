// Package archiver moves aged, terminal-state records out of the hot path.
// Transactions get copied to the archive table and marked ARCHIVED; bridge
// transfers stay in place and are flagged for cold storage.
package archiver

import (
	"context"
	"time"

	"chain-ledger/internal/async"
	"chain-ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var log = logrus.WithField("prefix", "archiver")

var (
	transactionsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_transactions_archived_total",
		Help: "Number of transactions moved to the archive table",
	})
	transfersColdStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archiver_transfers_cold_stored_total",
		Help: "Number of bridge transfers flagged for cold storage",
	})
)

// Config options for the archival service.
type Config struct {
	Database  *gorm.DB
	Interval  time.Duration
	Retention time.Duration
}

// Service runs the retention sweep on a fixed interval.
type Service struct {
	ctx       context.Context
	cancel    context.CancelFunc
	db        *gorm.DB
	interval  time.Duration
	retention time.Duration
}

// NewService initializes the archival service from configuration options.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:       ctx,
		cancel:    cancel,
		db:        cfg.Database,
		interval:  cfg.Interval,
		retention: cfg.Retention,
	}
}

// Start the archival sweep loop.
func (s *Service) Start() {
	log.WithFields(logrus.Fields{
		"interval":  s.interval,
		"retention": s.retention,
	}).Info("Starting archival service")
	async.RunEvery(s.ctx, s.interval, s.tick)
}

// Stop the archival sweep loop.
func (s *Service) Stop() error {
	defer s.cancel()
	log.Info("Stopping archival service")
	return nil
}

// Status always reports healthy; a failed sweep retries on the next tick.
func (s *Service) Status() error {
	return nil
}

func (s *Service) tick() {
	if _, _, err := s.ArchiveAged(s.ctx); err != nil {
		log.WithError(err).Error("Archival sweep failed")
	}
}

// ArchiveAged runs one full sweep over both stores and reports how many
// transactions were archived and how many transfers were cold-flagged.
// Only terminal records older than the retention window are touched, and
// re-running over already archived records is a no-op.
func (s *Service) ArchiveAged(ctx context.Context) (int, int64, error) {
	archived, err := s.archiveTransactions(ctx)
	if err != nil {
		return archived, 0, err
	}
	flagged, err := s.coldFlagTransfers(ctx)
	if err != nil {
		return archived, flagged, err
	}
	if archived > 0 || flagged > 0 {
		log.WithFields(logrus.Fields{
			"transactions": archived,
			"transfers":    flagged,
		}).Info("Archival sweep finished")
	}
	return archived, flagged, nil
}

func (s *Service) archiveTransactions(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	terminal := []models.TransactionStatus{models.TxConfirmed, models.TxFailed}

	var due []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, cutoff).
		Order("created_at ASC").
		Find(&due).Error
	if err != nil {
		return 0, errors.Wrap(err, "scan archivable transactions")
	}

	archived := 0
	for i := range due {
		// Each record archives atomically; cancellation lands between
		// records, never inside one.
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if err := s.archiveTransaction(ctx, &due[i]); err != nil {
			return archived, err
		}
		archived++
	}
	if archived > 0 {
		transactionsArchived.Add(float64(archived))
	}
	return archived, nil
}

// archiveTransaction copies one transaction into the archive table and flips
// its status. The copy is conflict-ignored on the shared primary key, so a
// sweep interrupted between copy and flip finishes cleanly on the next run.
func (s *Service) archiveTransaction(ctx context.Context, t *models.Transaction) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := &models.ArchivedTransaction{
			ID:         t.ID,
			Amount:     t.Amount,
			Status:     t.Status,
			BlockRef:   t.BlockRef,
			CreatedAt:  t.CreatedAt,
			ArchivedAt: time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error; err != nil {
			return errors.Wrapf(err, "copy transaction %s to archive", t.ID)
		}

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status IN ?", t.ID, []models.TransactionStatus{models.TxConfirmed, models.TxFailed}).
			Updates(map[string]interface{}{
				"status":     models.TxArchived,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "mark transaction %s archived", t.ID)
		}
		// Zero rows means a concurrent sweep won; the archive copy above
		// was a no-op too, so there is nothing to undo.
		return nil
	})
}

func (s *Service) coldFlagTransfers(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	terminal := []models.TransferStatus{
		models.TransferCompleted,
		models.TransferFailed,
		models.TransferCancelled,
	}

	res := s.db.WithContext(ctx).Model(&models.BridgeTransfer{}).
		Where("status IN ? AND cold_stored = ? AND updated_at < ?", terminal, false, cutoff).
		Update("cold_stored", true)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "cold-flag transfers")
	}
	if res.RowsAffected > 0 {
		transfersColdStored.Add(float64(res.RowsAffected))
	}
	return res.RowsAffected, nil
}

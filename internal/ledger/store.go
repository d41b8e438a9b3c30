// Package ledger implements the append-only block store and the transaction
// store backed by it. Blocks are immutable once appended; transactions are
// created pending and finalized together with the block that includes them.
package ledger

import (
	"context"
	"time"

	"chain-ledger/internal/async"
	"chain-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var log = logrus.WithField("prefix", "ledger")

var (
	blocksAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_blocks_appended_total",
		Help: "Number of blocks appended to the chain",
	})
	txsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_transactions_finalized_total",
		Help: "Number of transactions confirmed or failed by block finalization",
	})
	integrityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_integrity_rejections_total",
		Help: "Number of writes rejected for violating ordering or reference integrity",
	})
)

// appendKey serializes appends: the chain head is a single contention point
// by design, everything else locks per entity elsewhere.
const appendKey = "ledger/append"

// Store owns all writes to blocks and transactions.
type Store struct {
	db      *gorm.DB
	genesis uint64
}

// NewStore returns a store appending from the given genesis sequence.
func NewStore(db *gorm.DB, genesisSequence uint64) *Store {
	return &Store{db: db, genesis: genesisSequence}
}

// AppendBlock atomically persists a block and its transaction set, or fails
// entirely. The block's sequence must be exactly the current head + 1 (or the
// genesis sequence on an empty chain) and its proposer must be registered.
// Pre-staged PENDING transactions matched by ID are finalized in place;
// unknown transactions are created already finalized.
func (s *Store) AppendBlock(ctx context.Context, blk *models.Block, txs []*models.Transaction) error {
	lock := async.NewMultilock(appendKey)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expected, err := s.nextSequence(tx)
		if err != nil {
			return err
		}
		if blk.Sequence != expected {
			return errors.Wrapf(ErrSequenceGap, "got %d, head expects %d", blk.Sequence, expected)
		}

		var proposers int64
		if err := tx.Model(&models.Validator{}).Where("address = ?", blk.ProposerRef).Count(&proposers).Error; err != nil {
			return errors.Wrap(err, "look up proposer")
		}
		if proposers == 0 {
			return errors.Wrapf(ErrUnknownValidator, "proposer %s", blk.ProposerRef)
		}

		var dupes int64
		if err := tx.Model(&models.Block{}).Where("hash = ?", blk.Hash).Count(&dupes).Error; err != nil {
			return errors.Wrap(err, "look up hash")
		}
		if dupes > 0 {
			return errors.Wrapf(ErrDuplicateHash, "hash %s", blk.Hash)
		}

		if blk.Timestamp.IsZero() {
			blk.Timestamp = now
		}
		// A non-empty batch defines the count; otherwise the caller's
		// externally observed count stands.
		if len(txs) > 0 {
			blk.TxCount = len(txs)
		}
		blk.CreatedAt = now
		if err := tx.Create(blk).Error; err != nil {
			return errors.Wrap(err, "persist block")
		}

		for _, t := range txs {
			if err := finalizeTransaction(tx, blk.Sequence, t, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isIntegrity(err) {
			integrityRejections.Inc()
		}
		return err
	}

	blocksAppended.Inc()
	txsFinalized.Add(float64(len(txs)))
	log.WithFields(logrus.Fields{
		"sequence": blk.Sequence,
		"hash":     shortHash(blk.Hash),
		"proposer": blk.ProposerRef,
		"txs":      len(txs),
	}).Info("Block appended")
	return nil
}

// finalizeTransaction moves a pre-staged PENDING transaction to its final
// status, or creates the record already finalized. Timestamps are stamped
// here, by the owning store, never by the engine.
func finalizeTransaction(tx *gorm.DB, blockSeq uint64, t *models.Transaction, now time.Time) error {
	final := t.Status
	if final == "" || final == models.TxPending {
		final = models.TxConfirmed
	}
	if final != models.TxConfirmed && final != models.TxFailed {
		return errors.Wrapf(ErrInvalidTxStatus, "status %s", t.Status)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	var staged models.Transaction
	err := tx.Where("id = ?", t.ID).First(&staged).Error
	switch {
	case err == nil:
		if !staged.Status.CanTransition(final) {
			return errors.Wrapf(ErrInvalidTxStatus, "%s -> %s", staged.Status, final)
		}
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", t.ID, models.TxPending).
			Updates(map[string]interface{}{
				"status":     final,
				"block_ref":  blockSeq,
				"updated_at": now,
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "finalize staged transaction")
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrInvalidTxStatus, "transaction %s is not pending", t.ID)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		ref := blockSeq
		t.Status = final
		t.BlockRef = &ref
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := tx.Create(t).Error; err != nil {
			return errors.Wrap(err, "persist transaction")
		}
	default:
		return errors.Wrap(err, "look up staged transaction")
	}
	return nil
}

// StageTransaction records a transaction as PENDING ahead of the block that
// will include it. The block reference stays empty until finalization.
func (s *Store) StageTransaction(ctx context.Context, t *models.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.Status = models.TxPending
	t.BlockRef = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	return errors.Wrap(s.db.WithContext(ctx).Create(t).Error, "stage transaction")
}

// GetBlock fetches a block by sequence number.
func (s *Store) GetBlock(ctx context.Context, seq uint64) (*models.Block, error) {
	var blk models.Block
	err := s.db.WithContext(ctx).First(&blk, "sequence = ?", seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrBlockNotFound, "sequence %d", seq)
	}
	if err != nil {
		return nil, err
	}
	return &blk, nil
}

// GetTransaction fetches a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrTxNotFound, "id %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// HeadSequence returns the sequence of the newest block, or (genesis-1, nil)
// on an empty chain.
func (s *Store) HeadSequence(ctx context.Context) (uint64, error) {
	next, err := s.nextSequence(s.db.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

func (s *Store) nextSequence(tx *gorm.DB) (uint64, error) {
	var head models.Block
	err := tx.Order("sequence DESC").First(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.genesis, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read chain head")
	}
	return head.Sequence + 1, nil
}

func isIntegrity(err error) bool {
	return errors.Is(err, ErrSequenceGap) ||
		errors.Is(err, ErrUnknownValidator) ||
		errors.Is(err, ErrDuplicateHash) ||
		errors.Is(err, ErrInvalidTxStatus)
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

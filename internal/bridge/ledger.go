// Package bridge keeps the durable history of cross-chain transfer requests
// and drives each transfer's forward-only state machine.
package bridge

import (
	"context"
	"time"

	"chain-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var log = logrus.WithField("prefix", "bridge")

var (
	transfersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_transfers_created_total",
		Help: "Number of bridge transfer requests recorded",
	})
	transfersAdvanced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_transfers_advanced_total",
		Help: "Number of transfer status transitions, by target status",
	}, []string{"to"})
	transfersStuck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_transfers_stuck_total",
		Help: "Number of transfers flagged as stuck in PROCESSING",
	})
)

const defaultListLimit = 100

// Ledger owns all writes to bridge transfer rows.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// CreateRequest carries the caller-supplied fields of a new transfer.
// Metadata is stored opaque, never inspected.
type CreateRequest struct {
	SourceChain   string
	TargetChain   string
	SourceAddress string
	TargetAddress string
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	Metadata      []byte
}

func (req *CreateRequest) validate() error {
	switch {
	case req.SourceChain == "":
		return errors.Wrap(ErrInvalidTransfer, "source chain required")
	case req.TargetChain == "":
		return errors.Wrap(ErrInvalidTransfer, "target chain required")
	case req.SourceAddress == "":
		return errors.Wrap(ErrInvalidTransfer, "source address required")
	case req.TargetAddress == "":
		return errors.Wrap(ErrInvalidTransfer, "target address required")
	case req.Amount.IsNegative():
		return errors.Wrapf(ErrInvalidTransfer, "negative amount %s", req.Amount)
	case req.Fee.IsNegative():
		return errors.Wrapf(ErrInvalidTransfer, "negative fee %s", req.Fee)
	}
	return nil
}

// CreateTransfer records a new transfer in PENDING and returns it with its
// assigned transfer ID.
func (l *Ledger) CreateTransfer(ctx context.Context, req CreateRequest) (*models.BridgeTransfer, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	transfer := &models.BridgeTransfer{
		TransferID:    uuid.NewString(),
		SourceChain:   req.SourceChain,
		TargetChain:   req.TargetChain,
		SourceAddress: req.SourceAddress,
		TargetAddress: req.TargetAddress,
		Amount:        req.Amount,
		Fee:           req.Fee,
		Status:        models.TransferPending,
		Metadata:      req.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := l.db.WithContext(ctx).Create(transfer).Error; err != nil {
		return nil, errors.Wrap(err, "persist transfer")
	}

	transfersCreated.Inc()
	log.WithFields(logrus.Fields{
		"transfer": transfer.TransferID,
		"route":    req.SourceChain + "->" + req.TargetChain,
		"amount":   req.Amount,
	}).Info("Transfer created")
	return transfer, nil
}

// AdvanceStatus moves a transfer one step along its state machine. The write
// is conditioned on the status the caller observed, so when two callers race
// only one advances; the loser gets ErrIllegalTransition against the fresh
// status.
func (l *Ledger) AdvanceStatus(ctx context.Context, transferID string, next models.TransferStatus) error {
	if !next.Valid() {
		return errors.Wrapf(ErrIllegalTransition, "unknown status %s", next)
	}

	current, err := l.Get(ctx, transferID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(next) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", current.Status, next)
	}

	res := l.db.WithContext(ctx).Model(&models.BridgeTransfer{}).
		Where("transfer_id = ? AND status = ?", transferID, current.Status).
		Updates(map[string]interface{}{
			"status":     next,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "advance transfer")
	}
	if res.RowsAffected == 0 {
		fresh, err := l.Get(ctx, transferID)
		if err != nil {
			return err
		}
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", fresh.Status, next)
	}

	transfersAdvanced.WithLabelValues(string(next)).Inc()
	log.WithFields(logrus.Fields{
		"transfer": transferID,
		"from":     current.Status,
		"to":       next,
	}).Info("Transfer advanced")
	return nil
}

// SetTxHashes attaches the on-chain transaction hashes observed for the
// transfer. Empty arguments leave the stored hash untouched.
func (l *Ledger) SetTxHashes(ctx context.Context, transferID, sourceHash, targetHash string) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if sourceHash != "" {
		updates["source_tx_hash"] = sourceHash
	}
	if targetHash != "" {
		updates["target_tx_hash"] = targetHash
	}

	res := l.db.WithContext(ctx).Model(&models.BridgeTransfer{}).
		Where("transfer_id = ?", transferID).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "set tx hashes")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrTransferNotFound, "id %s", transferID)
	}
	return nil
}

// FlagStuck marks PROCESSING transfers that have not moved for longer than
// olderThan. Flagging is advisory and idempotent; the transfer status does
// not change. Returns how many transfers were newly flagged.
func (l *Ledger) FlagStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := l.db.WithContext(ctx).Model(&models.BridgeTransfer{}).
		Where("status = ? AND stuck_flagged = ? AND updated_at < ?", models.TransferProcessing, false, cutoff).
		Update("stuck_flagged", true)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "flag stuck transfers")
	}
	if res.RowsAffected > 0 {
		transfersStuck.Add(float64(res.RowsAffected))
		log.WithField("count", res.RowsAffected).Warn("Transfers stuck in PROCESSING")
	}
	return res.RowsAffected, nil
}

// Get fetches a transfer by its transfer ID.
func (l *Ledger) Get(ctx context.Context, transferID string) (*models.BridgeTransfer, error) {
	var transfer models.BridgeTransfer
	err := l.db.WithContext(ctx).First(&transfer, "transfer_id = ?", transferID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrTransferNotFound, "id %s", transferID)
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

// ListByStatus returns the newest transfers in the given status, capped at
// limit (or a default cap when limit is zero or negative).
func (l *Ledger) ListByStatus(ctx context.Context, status models.TransferStatus, limit int) ([]models.BridgeTransfer, error) {
	if !status.Valid() {
		return nil, errors.Errorf("unknown status %s", status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	var transfers []models.BridgeTransfer
	err := l.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).
		Find(&transfers).Error
	if err != nil {
		return nil, errors.Wrap(err, "list transfers")
	}
	return transfers, nil
}

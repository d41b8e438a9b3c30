// Package keystore manages the lifecycle of quantum-resistant signing keys:
// one ACTIVE key per logical chain, rotated ahead of expiry so no interval
// ever exists without an active key.
package keystore

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
)

var log = logrus.WithField("prefix", "keystore")

var (
	keysGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keystore_keys_generated_total",
		Help: "Number of keys generated, rotation successors included",
	})
	keysRotated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keystore_keys_rotated_total",
		Help: "Number of completed key rotations",
	})
	keysExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keystore_keys_expired_total",
		Help: "Number of keys moved from EXPIRING to EXPIRED",
	})
	rotationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keystore_rotation_failures_total",
		Help: "Number of rotation attempts that failed and left the predecessor active",
	})
)

// Store owns all writes to quantum key rows.
type Store struct {
	db        *gorm.DB
	algorithm string
	lifetime  time.Duration
	threshold time.Duration
	generate  generator
}

// NewStore returns a key store producing keys of the given algorithm that
// live for lifetime and rotate once within expiryThreshold of expiry.
func NewStore(db *gorm.DB, algorithm string, lifetime, expiryThreshold time.Duration) *Store {
	return &Store{
		db:        db,
		algorithm: algorithm,
		lifetime:  lifetime,
		threshold: expiryThreshold,
		generate:  generateMLDSA,
	}
}

// Generate creates the first ACTIVE key for a chain. Chains that already
// hold an active key must rotate instead.
func (s *Store) Generate(ctx context.Context, chainID string) (*models.QuantumKey, error) {
	lock := async.NewMultilock("keystore/" + chainID)
	lock.Lock()
	defer lock.Unlock()

	var key *models.QuantumKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.QuantumKey{}).
			Where("chain_id = ? AND status = ?", chainID, models.KeyActive).
			Count(&active).Error; err != nil {
			return errors.Wrap(err, "look up active key")
		}
		if active > 0 {
			return errors.Wrapf(ErrActiveKeyExists, "chain %s", chainID)
		}
		var err error
		key, err = s.newKey(tx, chainID)
		return err
	})
	if err != nil {
		return nil, err
	}

	keysGenerated.Inc()
	log.WithFields(logrus.Fields{
		"chain":     chainID,
		"key":       shortKeyID(key.KeyID),
		"algorithm": s.algorithm,
	}).Info("Key generated")
	return key, nil
}

// newKey generates and inserts a fresh ACTIVE key inside tx.
func (s *Store) newKey(tx *gorm.DB, chainID string) (*models.QuantumKey, error) {
	keyID, pub, err := s.generate(s.algorithm)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	key := &models.QuantumKey{
		KeyID:     keyID,
		ChainID:   chainID,
		Algorithm: s.algorithm,
		Status:    models.KeyActive,
		PublicKey: pub,
		CreatedAt: now,
		ExpiresAt: now.Add(s.lifetime),
		UpdatedAt: now,
	}
	if err := tx.Create(key).Error; err != nil {
		return nil, errors.Wrap(err, "persist key")
	}
	return key, nil
}

// RotateExpiring rotates every ACTIVE key within the expiry threshold.
// Each rotation is independent; one failure is logged and does not stop
// the sweep. Returns how many keys rotated and the first error seen.
func (s *Store) RotateExpiring(ctx context.Context) (int, error) {
	deadline := time.Now().UTC().Add(s.threshold)
	var due []models.QuantumKey
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.KeyActive, deadline).
		Find(&due).Error; err != nil {
		return 0, errors.Wrap(err, "scan expiring keys")
	}

	rotated := 0
	var firstErr error
	for i := range due {
		if ctx.Err() != nil {
			return rotated, ctx.Err()
		}
		if err := s.rotateOne(ctx, &due[i]); err != nil {
			rotationFailures.Inc()
			log.WithError(err).WithFields(logrus.Fields{
				"chain": due[i].ChainID,
				"key":   shortKeyID(due[i].KeyID),
			}).Error("Key rotation failed, predecessor stays active")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rotated++
	}
	return rotated, firstErr
}

// rotateOne installs a successor and retires the predecessor in a single
// transaction. The successor is created first; any failure rolls the whole
// step back and leaves the predecessor ACTIVE, so the chain is never
// keyless and never double-keyed.
func (s *Store) rotateOne(ctx context.Context, old *models.QuantumKey) error {
	lock := async.NewMultilock("keystore/" + old.ChainID)
	lock.Lock()
	defer lock.Unlock()

	var successor *models.QuantumKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		successor, err = s.newKey(tx, old.ChainID)
		if err != nil {
			return err
		}
		res := tx.Model(&models.QuantumKey{}).
			Where("key_id = ? AND status = ?", old.KeyID, models.KeyActive).
			Updates(map[string]interface{}{
				"status":     models.KeyExpiring,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "retire predecessor")
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrKeyNotActive, "key %s", old.KeyID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	keysGenerated.Inc()
	keysRotated.Inc()
	log.WithFields(logrus.Fields{
		"chain": old.ChainID,
		"old":   shortKeyID(old.KeyID),
		"new":   shortKeyID(successor.KeyID),
	}).Info("Key rotated")
	return nil
}

// SweepExpired finalizes EXPIRING keys whose hard expiry has passed.
// Idempotent; keys already EXPIRED are not touched.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.QuantumKey{}).
		Where("status = ? AND expires_at < ?", models.KeyExpiring, time.Now().UTC()).
		Updates(map[string]interface{}{
			"status":     models.KeyExpired,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "sweep expired keys")
	}
	if res.RowsAffected > 0 {
		keysExpired.Add(float64(res.RowsAffected))
		log.WithField("count", res.RowsAffected).Info("Keys expired")
	}
	return res.RowsAffected, nil
}

// Revoke takes a key out of service. Revoking the ACTIVE key rotates a
// successor in within the same transaction, since a chain may never be left
// without an active key.
func (s *Store) Revoke(ctx context.Context, keyID string) error {
	key, err := s.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if !key.Status.CanTransition(models.KeyRevoked) {
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", key.Status, models.KeyRevoked)
	}

	if key.Status == models.KeyActive {
		return s.revokeActive(ctx, key)
	}

	res := s.db.WithContext(ctx).Model(&models.QuantumKey{}).
		Where("key_id = ? AND status = ?", keyID, key.Status).
		Updates(map[string]interface{}{
			"status":     models.KeyRevoked,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "revoke key")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrIllegalTransition, "key %s changed state", keyID)
	}

	log.WithField("key", shortKeyID(keyID)).Warn("Key revoked")
	return nil
}

func (s *Store) revokeActive(ctx context.Context, key *models.QuantumKey) error {
	lock := async.NewMultilock("keystore/" + key.ChainID)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.newKey(tx, key.ChainID); err != nil {
			return err
		}
		res := tx.Model(&models.QuantumKey{}).
			Where("key_id = ? AND status = ?", key.KeyID, models.KeyActive).
			Updates(map[string]interface{}{
				"status":     models.KeyRevoked,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "revoke key")
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrKeyNotActive, "key %s", key.KeyID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	keysGenerated.Inc()
	log.WithFields(logrus.Fields{
		"chain": key.ChainID,
		"key":   shortKeyID(key.KeyID),
	}).Warn("Active key revoked, successor installed")
	return nil
}

// Get fetches a key by ID.
func (s *Store) Get(ctx context.Context, keyID string) (*models.QuantumKey, error) {
	var key models.QuantumKey
	err := s.db.WithContext(ctx).First(&key, "key_id = ?", keyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrKeyNotFound, "key %s", keyID)
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ActiveKey returns the chain's current ACTIVE key.
func (s *Store) ActiveKey(ctx context.Context, chainID string) (*models.QuantumKey, error) {
	var key models.QuantumKey
	err := s.db.WithContext(ctx).
		First(&key, "chain_id = ? AND status = ?", chainID, models.KeyActive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrKeyNotFound, "no active key for chain %s", chainID)
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func shortKeyID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

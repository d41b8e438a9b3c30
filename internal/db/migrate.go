package db

import (
	"time"

	"chain-ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var log = logrus.WithField("prefix", "db")

// A migration is one schema change in the strictly ordered sequence. Versions
// are applied exactly once, in order, each inside its own transaction. The
// first failure blocks every later version; callers must treat that as fatal
// and refuse to serve traffic.
type migration struct {
	version int
	name    string
	run     func(tx *gorm.DB) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "ledger core tables",
		run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Validator{}, &models.Block{}, &models.Transaction{})
		},
	},
	{
		version: 2,
		name:    "consensus round tracking",
		run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.ConsensusRound{}, &models.RoundParticipant{})
		},
	},
	{
		version: 3,
		name:    "bridge transfer history",
		run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.BridgeTransfer{})
		},
	},
	{
		version: 4,
		name:    "quantum key material",
		run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.QuantumKey{})
		},
	},
	{
		version: 5,
		name:    "transaction archive",
		run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.ArchivedTransaction{})
		},
	},
	{
		version: 6,
		name:    "derived analytics tables",
		run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.DailyTransactionStat{},
				&models.ValidatorPerformance{},
				&models.HealthSnapshot{},
			)
		},
	},
}

// Migrate applies all unapplied schema migrations in version order and
// records each in schema_migrations. Re-running is a no-op for versions
// already applied.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return runMigrations(db, migrations)
}

func runMigrations(db *gorm.DB, seq []migration) error {
	if err := validateSequence(seq); err != nil {
		return err
	}
	if err := db.AutoMigrate(&models.SchemaMigration{}); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	applied := make(map[int]bool)
	var records []models.SchemaMigration
	if err := db.Find(&records).Error; err != nil {
		return errors.Wrap(err, "read schema_migrations")
	}
	for _, r := range records {
		applied[r.Version] = true
	}

	for _, m := range seq {
		if applied[m.version] {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.run(tx); err != nil {
				return err
			}
			return tx.Create(&models.SchemaMigration{
				Version:   m.version,
				Name:      m.name,
				AppliedAt: time.Now().UTC(),
			}).Error
		})
		if err != nil {
			// Fail fast: the last-known-good schema stays in place and no
			// later version may run.
			return errors.Wrapf(err, "migration %d (%s) failed", m.version, m.name)
		}
		log.WithField("version", m.version).WithField("name", m.name).Info("Applied schema migration")
	}
	return nil
}

func validateSequence(seq []migration) error {
	last := 0
	for _, m := range seq {
		if m.version <= last {
			return errors.Errorf("migration versions not strictly increasing at %d (%s)", m.version, m.name)
		}
		last = m.version
	}
	return nil
}

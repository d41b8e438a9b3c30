package db

import (
	stdlog "log"
	"os"
	"testing"

	"chain-ledger/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	silent := logger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		logger.Config{LogLevel: logger.Silent, IgnoreRecordNotFoundError: true},
	)
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: silent})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

func TestMigrateAppliesFullSchema(t *testing.T) {
	require := require.New(t)
	gdb := openTestDB(t)

	require.NoError(Migrate(gdb))

	for _, table := range []string{
		"blocks", "transactions", "validators",
		"consensus_rounds", "consensus_round_participants",
		"bridge_transfer_history", "quantum_keys",
		"archived_transactions", "daily_transaction_stats",
		"validator_performance", "blockchain_health",
		"schema_migrations",
	} {
		require.True(gdb.Migrator().HasTable(table), "missing table %s", table)
	}

	var records []models.SchemaMigration
	require.NoError(gdb.Order("version").Find(&records).Error)
	require.Len(records, len(migrations))
	for i, r := range records {
		require.Equal(migrations[i].version, r.Version)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	require := require.New(t)
	gdb := openTestDB(t)

	require.NoError(Migrate(gdb))
	require.NoError(Migrate(gdb))

	var count int64
	require.NoError(gdb.Model(&models.SchemaMigration{}).Count(&count).Error)
	require.Equal(int64(len(migrations)), count)
}

func TestMigrateFailFastBlocksLaterVersions(t *testing.T) {
	require := require.New(t)
	gdb := openTestDB(t)

	boom := errors.New("broken change")
	seq := []migration{
		{version: 1, name: "ok", run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Block{})
		}},
		{version: 2, name: "fails", run: func(tx *gorm.DB) error {
			return boom
		}},
		{version: 3, name: "never runs", run: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Validator{})
		}},
	}

	err := runMigrations(gdb, seq)
	require.Error(err)
	require.ErrorIs(err, boom)

	// Version 1 committed, version 3 must not have run.
	var records []models.SchemaMigration
	require.NoError(gdb.Order("version").Find(&records).Error)
	require.Len(records, 1)
	require.Equal(1, records[0].Version)
	require.False(gdb.Migrator().HasTable("validators"))
}

func TestMigrateRejectsUnorderedVersions(t *testing.T) {
	gdb := openTestDB(t)

	seq := []migration{
		{version: 2, name: "second", run: func(tx *gorm.DB) error { return nil }},
		{version: 1, name: "first", run: func(tx *gorm.DB) error { return nil }},
	}
	require.Error(t, runMigrations(gdb, seq))
}

func TestMigrateNilDBIsNoop(t *testing.T) {
	require.NoError(t, Migrate(nil))
}

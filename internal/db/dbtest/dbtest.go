// Package dbtest spins up a real in-memory database instance for unit tests
// across the repo.
package dbtest

import (
	stdlog "log"
	"os"
	"testing"

	"chain-ledger/internal/db"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Setup opens an isolated in-memory database with the full schema applied.
// The connection is closed automatically when the test finishes.
func Setup(t testing.TB) *gorm.DB {
	t.Helper()

	silent := logger.New(
		stdlog.New(os.Stdout, "", stdlog.LstdFlags),
		logger.Config{LogLevel: logger.Silent, IgnoreRecordNotFoundError: true},
	)
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: silent})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}

	// A single connection keeps every session on the same :memory: database.
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to access sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := sqlDB.Close(); err != nil {
			t.Errorf("failed to close database: %v", err)
		}
	})

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return gdb
}

package analytics

import (
	"context"
	"testing"
	"time"

	"chain-ledger/internal/db/dbtest"
	"chain-ledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	gdb := dbtest.Setup(t)
	svc := NewService(context.Background(), &Config{Database: gdb, Interval: time.Hour})
	return svc, gdb
}

func seedTx(t *testing.T, gdb *gorm.DB, id string, status models.TransactionStatus, amount int64, at time.Time) {
	t.Helper()
	require.NoError(t, gdb.Create(&models.Transaction{
		ID:        id,
		Amount:    decimal.NewFromInt(amount),
		Status:    status,
		CreatedAt: at,
		UpdatedAt: at,
	}).Error)
}

func dailyStatsByDay(t *testing.T, gdb *gorm.DB) map[string]models.DailyTransactionStat {
	t.Helper()
	var rows []models.DailyTransactionStat
	require.NoError(t, gdb.Find(&rows).Error)
	out := make(map[string]models.DailyTransactionStat, len(rows))
	for _, row := range rows {
		out[row.Day.UTC().Format("2006-01-02")] = row
	}
	return out
}

func TestRefreshAll_DailyStats(t *testing.T) {
	require := require.New(t)
	svc, gdb := newTestService(t)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)
	seedTx(t, gdb, "a", models.TxConfirmed, 100, day1)
	seedTx(t, gdb, "b", models.TxFailed, 50, day1.Add(2*time.Hour))
	seedTx(t, gdb, "c", models.TxPending, 25, day1.Add(3*time.Hour))
	seedTx(t, gdb, "d", models.TxConfirmed, 7, day2)

	require.NoError(svc.RefreshAll(ctx))

	stats := dailyStatsByDay(t, gdb)
	require.Len(stats, 2)

	first := stats["2026-03-01"]
	require.Equal(int64(3), first.TxCount)
	require.True(first.Volume.Equal(decimal.NewFromInt(175)))
	require.Equal(int64(1), first.ConfirmedCount)
	require.Equal(int64(1), first.FailedCount)

	second := stats["2026-03-02"]
	require.Equal(int64(1), second.TxCount)
	require.True(second.Volume.Equal(decimal.NewFromInt(7)))
}

func TestRefreshAll_SwapsNotMerges(t *testing.T) {
	require := require.New(t)
	svc, gdb := newTestService(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedTx(t, gdb, "a", models.TxConfirmed, 10, day)
	require.NoError(svc.RefreshAll(ctx))

	seedTx(t, gdb, "b", models.TxConfirmed, 5, day)
	require.NoError(svc.RefreshAll(ctx))

	stats := dailyStatsByDay(t, gdb)
	require.Len(stats, 1)
	// The second refresh replaced the first wholesale.
	require.Equal(int64(2), stats["2026-03-01"].TxCount)
	require.True(stats["2026-03-01"].Volume.Equal(decimal.NewFromInt(15)))
}

func TestRefreshAll_ValidatorPerformance(t *testing.T) {
	require := require.New(t)
	svc, gdb := newTestService(t)
	ctx := context.Background()

	require.NoError(gdb.Create(&models.Validator{
		Address:        "val-a",
		Stake:          decimal.NewFromInt(1000),
		Status:         models.ValidatorActive,
		BlocksProduced: 12,
		Uptime:         0.75,
	}).Error)

	require.NoError(svc.RefreshAll(ctx))

	var perf models.ValidatorPerformance
	require.NoError(gdb.First(&perf, "address = ?", "val-a").Error)
	require.Equal(uint64(12), perf.BlocksProduced)
	require.InDelta(0.75, perf.Uptime, 1e-9)
	require.Equal(models.ValidatorActive, perf.Status)

	// A later refresh reflects the source row, not the previous aggregate.
	require.NoError(gdb.Model(&models.Validator{}).
		Where("address = ?", "val-a").
		Update("blocks_produced", 20).Error)
	require.NoError(svc.RefreshAll(ctx))

	require.NoError(gdb.First(&perf, "address = ?", "val-a").Error)
	require.Equal(uint64(20), perf.BlocksProduced)
}

func TestRefreshAll_HealthSnapshot(t *testing.T) {
	require := require.New(t)
	svc, gdb := newTestService(t)
	ctx := context.Background()

	require.NoError(gdb.Create(&models.Validator{Address: "val-a", Status: models.ValidatorActive}).Error)
	require.NoError(gdb.Create(&models.Block{Sequence: 5, Hash: "h5", ProposerRef: "val-a"}).Error)
	seedTx(t, gdb, "p", models.TxPending, 1, time.Now().UTC())
	seedTx(t, gdb, "c", models.TxConfirmed, 1, time.Now().UTC())
	require.NoError(gdb.Create(&models.ConsensusRound{RoundNumber: 1, Result: models.RoundOpen, StartedAt: time.Now().UTC()}).Error)
	require.NoError(gdb.Create(&models.QuantumKey{KeyID: "k1", ChainID: "c1", Algorithm: "ML-DSA-44", Status: models.KeyActive}).Error)

	require.NoError(svc.RefreshAll(ctx))
	require.NoError(svc.RefreshAll(ctx))

	// Exactly one snapshot row survives consecutive refreshes.
	var count int64
	require.NoError(gdb.Model(&models.HealthSnapshot{}).Count(&count).Error)
	require.Equal(int64(1), count)

	snap, err := svc.LatestSnapshot(ctx)
	require.NoError(err)
	require.Equal(uint64(5), snap.BlockHeight)
	require.Equal(int64(2), snap.TotalTransactions)
	require.Equal(int64(1), snap.PendingTransactions)
	require.Equal(int64(1), snap.ActiveValidators)
	require.Equal(int64(1), snap.OpenRounds)
	require.Equal(int64(0), snap.PendingTransfers)
	require.Equal(int64(1), snap.ActiveKeys)
}

func TestRefreshAll_EmptyStores(t *testing.T) {
	require := require.New(t)
	svc, gdb := newTestService(t)

	require.NoError(svc.RefreshAll(context.Background()))

	var stats int64
	require.NoError(gdb.Model(&models.DailyTransactionStat{}).Count(&stats).Error)
	require.Zero(stats)

	snap, err := svc.LatestSnapshot(context.Background())
	require.NoError(err)
	require.Zero(snap.BlockHeight)
	require.Zero(snap.TotalTransactions)
}

func TestTrigger_NeverBlocks(t *testing.T) {
	svc, _ := newTestService(t)
	for i := 0; i < 10; i++ {
		svc.Trigger()
	}
}

func TestServiceRefreshesOnTrigger(t *testing.T) {
	require := require.New(t)
	svc, gdb := newTestService(t)

	seedTx(t, gdb, "a", models.TxConfirmed, 10, time.Now().UTC())

	svc.Start()
	defer func() { require.NoError(svc.Stop()) }()
	svc.Trigger()

	require.Eventually(func() bool {
		var count int64
		if err := gdb.Model(&models.DailyTransactionStat{}).Count(&count).Error; err != nil {
			return false
		}
		return count == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(svc.Status())
}

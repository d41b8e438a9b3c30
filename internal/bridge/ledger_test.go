package bridge

import (
	"context"
	"testing"
	"time"

	"chain-ledger/internal/db/dbtest"
	"chain-ledger/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func validRequest() CreateRequest {
	return CreateRequest{
		SourceChain:   "chain-a",
		TargetChain:   "chain-b",
		SourceAddress: "addr-src",
		TargetAddress: "addr-dst",
		Amount:        decimal.NewFromInt(100),
		Fee:           decimal.NewFromInt(1),
		Metadata:      []byte(`{"memo":"x"}`),
	}
}

func TestCreateTransfer(t *testing.T) {
	require := require.New(t)
	ledger := NewLedger(dbtest.Setup(t))
	ctx := context.Background()

	transfer, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	require.NotEmpty(transfer.TransferID)
	require.Equal(models.TransferPending, transfer.Status)

	got, err := ledger.Get(ctx, transfer.TransferID)
	require.NoError(err)
	require.Equal([]byte(`{"memo":"x"}`), got.Metadata)
	require.True(got.Amount.Equal(decimal.NewFromInt(100)))
}

func TestCreateTransfer_Validation(t *testing.T) {
	require := require.New(t)
	ledger := NewLedger(dbtest.Setup(t))
	ctx := context.Background()

	cases := []func(*CreateRequest){
		func(r *CreateRequest) { r.SourceChain = "" },
		func(r *CreateRequest) { r.TargetChain = "" },
		func(r *CreateRequest) { r.SourceAddress = "" },
		func(r *CreateRequest) { r.TargetAddress = "" },
		func(r *CreateRequest) { r.Amount = decimal.NewFromInt(-1) },
		func(r *CreateRequest) { r.Fee = decimal.NewFromInt(-1) },
	}
	for _, mutate := range cases {
		req := validRequest()
		mutate(&req)
		_, err := ledger.CreateTransfer(ctx, req)
		require.ErrorIs(err, ErrInvalidTransfer)
	}
}

func TestAdvanceStatus_HappyPath(t *testing.T) {
	require := require.New(t)
	ledger := NewLedger(dbtest.Setup(t))
	ctx := context.Background()

	transfer, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	id := transfer.TransferID

	require.NoError(ledger.AdvanceStatus(ctx, id, models.TransferProcessing))
	require.NoError(ledger.AdvanceStatus(ctx, id, models.TransferCompleted))

	got, err := ledger.Get(ctx, id)
	require.NoError(err)
	require.Equal(models.TransferCompleted, got.Status)
}

func TestAdvanceStatus_RejectsIllegalSteps(t *testing.T) {
	require := require.New(t)
	ledger := NewLedger(dbtest.Setup(t))
	ctx := context.Background()

	transfer, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	id := transfer.TransferID

	// PENDING cannot complete or fail without passing through PROCESSING.
	require.ErrorIs(ledger.AdvanceStatus(ctx, id, models.TransferCompleted), ErrIllegalTransition)
	require.ErrorIs(ledger.AdvanceStatus(ctx, id, models.TransferFailed), ErrIllegalTransition)

	require.NoError(ledger.AdvanceStatus(ctx, id, models.TransferProcessing))
	require.NoError(ledger.AdvanceStatus(ctx, id, models.TransferFailed))

	// Terminal means terminal: no regression, no re-terminal.
	require.ErrorIs(ledger.AdvanceStatus(ctx, id, models.TransferPending), ErrIllegalTransition)
	require.ErrorIs(ledger.AdvanceStatus(ctx, id, models.TransferCompleted), ErrIllegalTransition)

	require.ErrorIs(ledger.AdvanceStatus(ctx, "missing", models.TransferProcessing), ErrTransferNotFound)
	require.ErrorIs(ledger.AdvanceStatus(ctx, id, "TELEPORTED"), ErrIllegalTransition)
}

func TestAdvanceStatus_CancelPaths(t *testing.T) {
	require := require.New(t)
	ledger := NewLedger(dbtest.Setup(t))
	ctx := context.Background()

	fromPending, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	require.NoError(ledger.AdvanceStatus(ctx, fromPending.TransferID, models.TransferCancelled))

	fromProcessing, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	require.NoError(ledger.AdvanceStatus(ctx, fromProcessing.TransferID, models.TransferProcessing))
	require.NoError(ledger.AdvanceStatus(ctx, fromProcessing.TransferID, models.TransferCancelled))
}

func TestSetTxHashes(t *testing.T) {
	require := require.New(t)
	ledger := NewLedger(dbtest.Setup(t))
	ctx := context.Background()

	transfer, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	id := transfer.TransferID

	require.NoError(ledger.SetTxHashes(ctx, id, "src-hash", ""))
	require.NoError(ledger.SetTxHashes(ctx, id, "", "dst-hash"))

	got, err := ledger.Get(ctx, id)
	require.NoError(err)
	require.Equal("src-hash", got.SourceTxHash)
	require.Equal("dst-hash", got.TargetTxHash)

	require.ErrorIs(ledger.SetTxHashes(ctx, "missing", "h", ""), ErrTransferNotFound)
}

func TestFlagStuck(t *testing.T) {
	require := require.New(t)
	gdb := dbtest.Setup(t)
	ledger := NewLedger(gdb)
	ctx := context.Background()

	stale, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	require.NoError(ledger.AdvanceStatus(ctx, stale.TransferID, models.TransferProcessing))

	fresh, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	require.NoError(ledger.AdvanceStatus(ctx, fresh.TransferID, models.TransferProcessing))

	pending, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)

	// Age the first transfer past the timeout.
	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(gdb.Model(&models.BridgeTransfer{}).
		Where("transfer_id = ?", stale.TransferID).
		Update("updated_at", old).Error)

	flagged, err := ledger.FlagStuck(ctx, time.Hour)
	require.NoError(err)
	require.Equal(int64(1), flagged)

	got, err := ledger.Get(ctx, stale.TransferID)
	require.NoError(err)
	require.True(got.StuckFlagged)
	// Flagging never advances the state machine.
	require.Equal(models.TransferProcessing, got.Status)

	unflagged, err := ledger.Get(ctx, fresh.TransferID)
	require.NoError(err)
	require.False(unflagged.StuckFlagged)
	neverProcessing, err := ledger.Get(ctx, pending.TransferID)
	require.NoError(err)
	require.False(neverProcessing.StuckFlagged)

	// Second sweep finds nothing new.
	flagged, err = ledger.FlagStuck(ctx, time.Hour)
	require.NoError(err)
	require.Zero(flagged)
}

func TestListByStatus(t *testing.T) {
	require := require.New(t)
	ledger := NewLedger(dbtest.Setup(t))
	ctx := context.Background()

	first, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	second, err := ledger.CreateTransfer(ctx, validRequest())
	require.NoError(err)
	require.NoError(ledger.AdvanceStatus(ctx, second.TransferID, models.TransferProcessing))

	pending, err := ledger.ListByStatus(ctx, models.TransferPending, 0)
	require.NoError(err)
	require.Len(pending, 1)
	require.Equal(first.TransferID, pending[0].TransferID)

	processing, err := ledger.ListByStatus(ctx, models.TransferProcessing, 10)
	require.NoError(err)
	require.Len(processing, 1)

	_, err = ledger.ListByStatus(ctx, "NOPE", 0)
	require.Error(err)
}

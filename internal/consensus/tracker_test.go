package consensus

import (
	"context"
	"testing"
	"time"

	"chain-ledger/internal/db/dbtest"
	"chain-ledger/internal/models"

	"github.com/stretchr/testify/require"
)

func TestOpenRound(t *testing.T) {
	require := require.New(t)
	tracker := NewTracker(dbtest.Setup(t))
	ctx := context.Background()

	require.NoError(tracker.OpenRound(ctx, 1, []string{"val-b", "val-a"}))

	round, err := tracker.Get(ctx, 1)
	require.NoError(err)
	require.Equal(models.RoundOpen, round.Result)
	require.Nil(round.EndedAt)

	parts, err := tracker.Participants(ctx, 1)
	require.NoError(err)
	require.Equal([]string{"val-a", "val-b"}, parts)

	require.ErrorIs(tracker.OpenRound(ctx, 1, nil), ErrDuplicateRound)
}

func TestOpenRound_RefusesWhilePriorOpen(t *testing.T) {
	require := require.New(t)
	tracker := NewTracker(dbtest.Setup(t))
	ctx := context.Background()

	require.NoError(tracker.OpenRound(ctx, 1, nil))
	require.ErrorIs(tracker.OpenRound(ctx, 2, nil), ErrPriorRoundOpen)

	require.NoError(tracker.CloseRound(ctx, 1, models.RoundCommitted))
	require.NoError(tracker.OpenRound(ctx, 2, nil))
}

func TestCloseRound_SingleWinner(t *testing.T) {
	require := require.New(t)
	tracker := NewTracker(dbtest.Setup(t))
	ctx := context.Background()

	require.NoError(tracker.OpenRound(ctx, 7, []string{"val-a"}))
	require.NoError(tracker.CloseRound(ctx, 7, models.RoundCommitted))

	// The second close loses, and the recorded result stands.
	require.ErrorIs(tracker.CloseRound(ctx, 7, models.RoundAborted), ErrRoundNotOpen)

	round, err := tracker.Get(ctx, 7)
	require.NoError(err)
	require.Equal(models.RoundCommitted, round.Result)
	require.NotNil(round.EndedAt)
}

func TestCloseRound_Validation(t *testing.T) {
	require := require.New(t)
	tracker := NewTracker(dbtest.Setup(t))
	ctx := context.Background()

	require.ErrorIs(tracker.CloseRound(ctx, 99, models.RoundCommitted), ErrRoundNotOpen)

	require.NoError(tracker.OpenRound(ctx, 1, nil))
	require.ErrorIs(tracker.CloseRound(ctx, 1, models.RoundOpen), ErrInvalidResult)
	require.ErrorIs(tracker.CloseRound(ctx, 1, "MAYBE"), ErrInvalidResult)
}

func TestNextRoundNumber(t *testing.T) {
	require := require.New(t)
	tracker := NewTracker(dbtest.Setup(t))
	ctx := context.Background()

	next, err := tracker.NextRoundNumber(ctx)
	require.NoError(err)
	require.Equal(uint64(1), next)

	require.NoError(tracker.OpenRound(ctx, 1, nil))
	require.NoError(tracker.CloseRound(ctx, 1, models.RoundCommitted))
	require.NoError(tracker.OpenRound(ctx, 2, nil))

	next, err = tracker.NextRoundNumber(ctx)
	require.NoError(err)
	require.Equal(uint64(3), next)
}

func TestAbortOpen(t *testing.T) {
	require := require.New(t)
	tracker := NewTracker(dbtest.Setup(t))
	ctx := context.Background()

	require.NoError(tracker.OpenRound(ctx, 1, nil))

	aborted, err := tracker.AbortOpen(ctx)
	require.NoError(err)
	require.Equal(int64(1), aborted)

	round, err := tracker.Get(ctx, 1)
	require.NoError(err)
	require.Equal(models.RoundAborted, round.Result)
	require.NotNil(round.EndedAt)

	// Decided rounds are untouched; a clean table is a no-op.
	aborted, err = tracker.AbortOpen(ctx)
	require.NoError(err)
	require.Zero(aborted)
}

func TestRoundDuration(t *testing.T) {
	require := require.New(t)
	tracker := NewTracker(dbtest.Setup(t))
	ctx := context.Background()

	require.NoError(tracker.OpenRound(ctx, 1, nil))

	d, err := tracker.RoundDuration(ctx, 1)
	require.NoError(err)
	require.Zero(d)

	time.Sleep(10 * time.Millisecond)
	require.NoError(tracker.CloseRound(ctx, 1, models.RoundAborted))

	d, err = tracker.RoundDuration(ctx, 1)
	require.NoError(err)
	require.Greater(d, time.Duration(0))

	_, err = tracker.RoundDuration(ctx, 42)
	require.ErrorIs(err, ErrRoundNotFound)
}

package visibility

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/txnstate"
)

func noSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func TestVisible_CommittedWithinSnapshot(t *testing.T) {
	tbl := txnstate.NewTable()
	s := &txnstate.State{XID: 1, CSN: 10}
	s.SetStatus(txnstate.Committed)
	require.NoError(t, tbl.Insert(s))

	svc := NewService(tbl, 16)
	visible, err := svc.Visible(context.Background(), 1, 20)
	require.NoError(t, err)
	require.True(t, visible)
}

func TestVisible_CommittedAfterSnapshot(t *testing.T) {
	tbl := txnstate.NewTable()
	s := &txnstate.State{XID: 1, CSN: 30}
	s.SetStatus(txnstate.Committed)
	require.NoError(t, tbl.Insert(s))

	svc := NewService(tbl, 16)
	visible, err := svc.Visible(context.Background(), 1, 20)
	require.NoError(t, err)
	require.False(t, visible)
}

func TestVisible_Aborted(t *testing.T) {
	tbl := txnstate.NewTable()
	s := &txnstate.State{XID: 1}
	s.SetStatus(txnstate.Aborted)
	require.NoError(t, tbl.Insert(s))

	svc := NewService(tbl, 16)
	visible, err := svc.Visible(context.Background(), 1, 100)
	require.NoError(t, err)
	require.False(t, visible)
}

func TestVisible_MissingStateIsVisible(t *testing.T) {
	tbl := txnstate.NewTable()
	svc := NewService(tbl, 16)
	visible, err := svc.Visible(context.Background(), 999, 100)
	require.NoError(t, err)
	require.True(t, visible)
}

// TestVisible_UnknownResolvesAfterWait exercises the in-doubt wait path: the
// transaction starts Unknown and is committed during the third backoff
// sleep, partway through the retry loop.
func TestVisible_UnknownResolvesAfterWait(t *testing.T) {
	tbl := txnstate.NewTable()
	s := &txnstate.State{XID: 1, CSN: 5}
	s.SetStatus(txnstate.Unknown)
	require.NoError(t, tbl.Insert(s))

	svc := NewService(tbl, 16)
	sleeps := 0
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if sleeps == 3 {
			s.SetStatus(txnstate.Committed)
		}
		return noSleep(ctx, d)
	}

	visible, err := svc.Visible(context.Background(), 1, 100)
	require.NoError(t, err)
	require.True(t, visible)
}

func TestVisible_UnknownExhaustsRetries(t *testing.T) {
	tbl := txnstate.NewTable()
	s := &txnstate.State{XID: 1}
	s.SetStatus(txnstate.Unknown)
	require.NoError(t, tbl.Insert(s))

	svc := NewService(tbl, 16)
	svc.sleep = noSleep

	_, err := svc.Visible(context.Background(), 1, 100)
	require.Error(t, err)
	require.IsType(t, &ErrVisibilityExhausted{}, err)
}

func TestVisible_ContextCancelDuringWait(t *testing.T) {
	tbl := txnstate.NewTable()
	s := &txnstate.State{XID: 1}
	s.SetStatus(txnstate.Unknown)
	require.NoError(t, tbl.Insert(s))

	svc := NewService(tbl, 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Visible(ctx, 1, 100)
	require.ErrorIs(t, err, context.Canceled)
}

type fakePeerSnapshots map[uint8]csn.CSN

func (f fakePeerSnapshots) NodeOldestSnapshots() map[uint8]csn.CSN { return f }

func TestOldestXmin_TakesMinimumAcrossNodesMinusDelay(t *testing.T) {
	peers := fakePeerSnapshots{1: 100, 2: 50, 3: 200}
	xmin := OldestXmin(1000, peers, 10)
	require.Equal(t, csn.CSN(40), xmin)
}

func TestOldestXmin_NeverBelowZero(t *testing.T) {
	peers := fakePeerSnapshots{1: 5}
	xmin := OldestXmin(1000, peers, 10)
	require.Equal(t, csn.CSN(0), xmin)
}

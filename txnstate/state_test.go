package txnstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
)

func newState(xid uint64) *State {
	return &State{XID: xid, GTID: gtid.GTID{Node: 1, Xid: xid}, Status: InProgress}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Insert(newState(1)))
	err := tbl.Insert(newState(1))
	require.Error(t, err)
	require.IsType(t, &ErrDuplicateXID{}, err)
}

func TestLookupByGID(t *testing.T) {
	tbl := NewTable()
	s := newState(1)
	s.GID = "g1"
	require.NoError(t, tbl.Insert(s))

	found := tbl.LookupGID("g1")
	require.NotNil(t, found)
	require.Equal(t, uint64(1), found.XID)

	require.Nil(t, tbl.LookupGID("missing"))
}

func TestSubXIDInheritsParent(t *testing.T) {
	tbl := NewTable()
	parent := newState(1)
	parent.CSN = 100
	parent.SetStatus(Committed)
	require.NoError(t, tbl.Insert(parent))

	sub := tbl.InsertSubXID(parent, 2)
	require.Equal(t, Committed, sub.Load().Status)
	require.Equal(t, csn.CSN(100), sub.Load().CSN)
	require.Equal(t, []uint64{2}, parent.SubXIDs)
}

func TestGCStopsAtFirstYoungOrActive(t *testing.T) {
	tbl := NewTable()

	old := newState(1)
	old.CSN = 10
	old.SetStatus(Committed)
	require.NoError(t, tbl.Insert(old))

	stillActive := newState(2)
	stillActive.CSN = 5
	// InProgress: never GC'd regardless of CSN ordering.
	require.NoError(t, tbl.Insert(stillActive))

	young := newState(3)
	young.CSN = 1000
	young.SetStatus(Committed)
	require.NoError(t, tbl.Insert(young))

	removed := tbl.GC(50)
	require.Equal(t, 1, removed, "only the committed+old record should be removed; the in-progress one blocks the scan")
	require.Nil(t, tbl.Lookup(1))
	require.NotNil(t, tbl.Lookup(2))
	require.NotNil(t, tbl.Lookup(3))
}

func TestSetStatusRejectsIllegalTransitionFromUnknown(t *testing.T) {
	s := newState(1)
	s.SetStatus(Unknown)
	s.SetStatus(InProgress) // illegal, must be ignored per I3
	require.Equal(t, Unknown, s.Load().Status)

	s.SetStatus(Committed)
	require.Equal(t, Committed, s.Load().Status)
}

func TestSignalVoteCompleteIsIdempotent(t *testing.T) {
	s := newState(1)
	s.WaiterProcNo = make(chan struct{})

	s.SignalVoteComplete()
	require.NotPanics(t, s.SignalVoteComplete)

	select {
	case <-s.WaiterProcNo:
	default:
		t.Fatal("expected waiter channel to be closed")
	}
}

func TestOldestSnapshotIgnoresNonInProgress(t *testing.T) {
	tbl := NewTable()

	a := newState(1)
	a.Snapshot = 5
	require.NoError(t, tbl.Insert(a))

	b := newState(2)
	b.Snapshot = 2
	b.SetStatus(Committed)
	require.NoError(t, tbl.Insert(b))

	snap, ok := tbl.OldestSnapshot()
	require.True(t, ok)
	require.Equal(t, csn.CSN(5), snap)
}

package recovery

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/wire"
)

type fakeWAL struct{ lsn uint64 }

func (f *fakeWAL) CurrentLSN() uint64 { return f.lsn }

func TestDonorSession_LocksGateBelowMinLag(t *testing.T) {
	var buf bytes.Buffer
	w, err := wire.NewStreamWriter(&buf)
	require.NoError(t, err)

	wal := &fakeWAL{lsn: 1000}
	gate := NewDonorGate()
	sess := NewDonorSession(gtid.NodeID(4), wal, gate, w, 100, 10000, zerolog.Nop())

	drop, err := sess.Send(wire.StreamRecord{Tag: wire.TagCommit, Commit: &wire.CommitRecord{
		Flag: wire.CommitFlagCommit, OriginNode: 1, EndLSN: 950,
	}})
	require.NoError(t, err)
	require.False(t, drop)
	require.True(t, gate.PrepareBlocked())
	require.ElementsMatch(t, []gtid.NodeID{4}, gate.LockedPeers())
}

func TestDonorSession_StaysUnlockedAboveMinLag(t *testing.T) {
	var buf bytes.Buffer
	w, err := wire.NewStreamWriter(&buf)
	require.NoError(t, err)

	wal := &fakeWAL{lsn: 1000}
	gate := NewDonorGate()
	sess := NewDonorSession(gtid.NodeID(4), wal, gate, w, 100, 10000, zerolog.Nop())

	drop, err := sess.Send(wire.StreamRecord{Tag: wire.TagCommit, Commit: &wire.CommitRecord{
		Flag: wire.CommitFlagCommit, OriginNode: 1, EndLSN: 500,
	}})
	require.NoError(t, err)
	require.False(t, drop)
	require.False(t, gate.PrepareBlocked())
}

func TestDonorSession_DropsSlotOnMaxLagExceeded(t *testing.T) {
	var buf bytes.Buffer
	w, err := wire.NewStreamWriter(&buf)
	require.NoError(t, err)

	wal := &fakeWAL{lsn: 100000}
	gate := NewDonorGate()
	sess := NewDonorSession(gtid.NodeID(4), wal, gate, w, 100, 1000, zerolog.Nop())

	drop, err := sess.Send(wire.StreamRecord{Tag: wire.TagCommit, Commit: &wire.CommitRecord{
		Flag: wire.CommitFlagCommit, OriginNode: 1, EndLSN: 0,
	}})
	require.Error(t, err)
	require.True(t, drop)
	var lagErr *ErrMaxLagExceeded
	require.ErrorAs(t, err, &lagErr)
	require.False(t, gate.PrepareBlocked())
}

func TestDonorSession_CloseReleasesGate(t *testing.T) {
	var buf bytes.Buffer
	w, err := wire.NewStreamWriter(&buf)
	require.NoError(t, err)

	wal := &fakeWAL{lsn: 1000}
	gate := NewDonorGate()
	sess := NewDonorSession(gtid.NodeID(4), wal, gate, w, 100, 10000, zerolog.Nop())

	_, err = sess.Send(wire.StreamRecord{Tag: wire.TagCommit, Commit: &wire.CommitRecord{
		Flag: wire.CommitFlagCommit, OriginNode: 1, EndLSN: 950,
	}})
	require.NoError(t, err)
	require.True(t, gate.PrepareBlocked())

	require.NoError(t, sess.Close())
	require.False(t, gate.PrepareBlocked())
}

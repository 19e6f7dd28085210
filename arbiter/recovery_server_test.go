package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/recovery"
	"github.com/maxpert/mtmcore/wire"
)

type fixedWAL struct{ lsn uint64 }

func (w fixedWAL) CurrentLSN() uint64 { return w.lsn }

func TestRecoveryServer_AttachesSessionAndPublishes(t *testing.T) {
	gate := recovery.NewDonorGate()
	rs := NewRecoveryServer(gtid.NodeID(1), "127.0.0.1:0", fixedWAL{lsn: 1000}, gate, 100, 5000, zerolog.Nop())
	require.NoError(t, rs.Start())
	defer rs.Stop()

	dialer := &recovery.TCPDialer{Self: gtid.NodeID(2), Book: staticAddr{addr: rs.listener.Addr().String()}}
	sr, err := dialer.Dial(context.Background(), gtid.NodeID(1))
	require.NoError(t, err)
	defer sr.Close()

	require.Eventually(t, func() bool {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		_, ok := rs.sessions[gtid.NodeID(2)]
		return ok
	}, time.Second, 10*time.Millisecond)

	rs.Publish(wire.StreamRecord{
		Tag:    wire.TagCommit,
		Commit: &wire.CommitRecord{OriginNode: 1, EndLSN: 500, CommitLSN: 500},
	})

	rec, err := sr.Next()
	require.NoError(t, err)
	require.Equal(t, wire.TagCommit, rec.Tag)
	require.Equal(t, uint64(500), rec.Commit.EndLSN)
}

type staticAddr struct{ addr string }

func (s staticAddr) RecoveryAddr(node gtid.NodeID) (string, error) { return s.addr, nil }

package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/txnstate"
	"github.com/maxpert/mtmcore/wire"
)

type fakeLiveSet struct {
	total    int
	disabled uint64
	counter  uint64
}

func (f *fakeLiveSet) DisabledMask() uint64        { return f.disabled }
func (f *fakeLiveSet) ConfigChangeCounter() uint64 { return f.counter }
func (f *fakeLiveSet) TotalNodes() int             { return f.total }

// scriptedTransport records outbound arbiter-channel sends and, when
// onPrepare is set, drives a scripted participant response back into the
// same Coordinator instance from the send goroutine, mimicking an
// in-process participant reply.
type scriptedTransport struct {
	mu        sync.Mutex
	prepares  []gtid.NodeID
	commits   []gtid.NodeID
	aborts    []gtid.NodeID
	onPrepare func(to gtid.NodeID, msg wire.PrepareMsg)
}

// sent returns a copy of list taken under the transport's lock.
func (t *scriptedTransport) sent(list *[]gtid.NodeID) []gtid.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]gtid.NodeID(nil), *list...)
}

func (t *scriptedTransport) SendPrepare(_ context.Context, to gtid.NodeID, msg wire.PrepareMsg) error {
	t.mu.Lock()
	t.prepares = append(t.prepares, to)
	t.mu.Unlock()
	if t.onPrepare != nil {
		t.onPrepare(to, msg)
	}
	return nil
}

func (t *scriptedTransport) SendCommit(_ context.Context, to gtid.NodeID, _ wire.CommitMsg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commits = append(t.commits, to)
	return nil
}

func (t *scriptedTransport) SendAbort(_ context.Context, to gtid.NodeID, _ wire.AbortMsg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborts = append(t.aborts, to)
	return nil
}

func newInProgressState(node gtid.NodeID, xid uint64, snapshot csn.CSN) *txnstate.State {
	return &txnstate.State{
		XID:      xid,
		GTID:     gtid.GTID{Node: node, Xid: xid},
		Status:   txnstate.InProgress,
		Snapshot: snapshot,
	}
}

func TestCoordinator_CommitTransaction_HappyPath(t *testing.T) {
	table := txnstate.NewTable()
	clock := csn.NewClock()
	live := &fakeLiveSet{total: 3}
	tport := &scriptedTransport{}
	h := &countingHooks{}

	coord := NewCoordinator(Config{Self: 1, MinTimeout: 2 * time.Second}, table, clock, live, tport, h, nil, zerolog.Nop())
	tport.onPrepare = func(to gtid.NodeID, msg wire.PrepareMsg) {
		coord.ReceiveReady(to, &wire.ReadyMsg{GID: msg.GID, From: to, ParticipantCSN: msg.CommitCSN + 1})
	}

	s := newInProgressState(1, 100, csn.CSN(1))
	require.NoError(t, table.Insert(s))

	err := coord.CommitTransaction(context.Background(), s)
	require.NoError(t, err)

	require.Equal(t, txnstate.Committed, s.Load().Status)
	require.Equal(t, 1, h.commit)
	require.Equal(t, 1, h.postPrepare)
	require.ElementsMatch(t, []gtid.NodeID{2, 3}, tport.prepares)
	// COMMIT is sent from per-participant goroutines that may still be
	// running when CommitTransaction returns.
	require.Eventually(t, func() bool { return len(tport.sent(&tport.commits)) == 2 }, time.Second, time.Millisecond)
	require.ElementsMatch(t, []gtid.NodeID{2, 3}, tport.sent(&tport.commits))
}

func TestCoordinator_CommitTransaction_AbortedVoteAborts(t *testing.T) {
	table := txnstate.NewTable()
	clock := csn.NewClock()
	live := &fakeLiveSet{total: 3}
	tport := &scriptedTransport{}
	h := &countingHooks{}

	coord := NewCoordinator(Config{Self: 1, MinTimeout: 2 * time.Second}, table, clock, live, tport, h, nil, zerolog.Nop())
	tport.onPrepare = func(to gtid.NodeID, msg wire.PrepareMsg) {
		if to == 3 {
			coord.ReceiveAborted(to, &wire.AbortedMsg{GID: msg.GID, From: to, Reason: "constraint violation"})
			return
		}
		coord.ReceiveReady(to, &wire.ReadyMsg{GID: msg.GID, From: to, ParticipantCSN: msg.CommitCSN})
	}

	s := newInProgressState(1, 101, csn.CSN(1))
	require.NoError(t, table.Insert(s))

	err := coord.CommitTransaction(context.Background(), s)
	require.Error(t, err)

	var refused *PrepareRefusedError
	require.ErrorAs(t, err, &refused)
	require.Equal(t, "constraint violation", refused.Reason)
	require.Equal(t, txnstate.Aborted, s.Load().Status)
	require.Equal(t, 1, h.abort)
	// ABORT is sent from per-participant goroutines that may still be
	// running when CommitTransaction returns.
	require.Eventually(t, func() bool { return len(tport.sent(&tport.aborts)) == 2 }, time.Second, time.Millisecond)
	require.ElementsMatch(t, []gtid.NodeID{2, 3}, tport.sent(&tport.aborts))
}

func TestCoordinator_CommitTransaction_TimeoutAborts(t *testing.T) {
	table := txnstate.NewTable()
	clock := csn.NewClock()
	live := &fakeLiveSet{total: 2}
	tport := &scriptedTransport{} // no onPrepare: participant never responds
	h := &countingHooks{}

	coord := NewCoordinator(Config{Self: 1, MinTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}, table, clock, live, tport, h, nil, zerolog.Nop())

	s := newInProgressState(1, 102, csn.CSN(1))
	require.NoError(t, table.Insert(s))

	err := coord.CommitTransaction(context.Background(), s)
	require.Error(t, err)

	var timeoutErr *PrepareTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, txnstate.Aborted, s.Load().Status)
	require.Equal(t, 1, h.abort)
}

func TestCoordinator_CommitTransaction_LocalSkipsPrepare(t *testing.T) {
	table := txnstate.NewTable()
	clock := csn.NewClock()
	live := &fakeLiveSet{total: 3}
	tport := &scriptedTransport{}
	h := &countingHooks{}

	coord := NewCoordinator(Config{Self: 1, MinTimeout: time.Second}, table, clock, live, tport, h, nil, zerolog.Nop())

	s := newInProgressState(1, 103, csn.CSN(1))
	s.IsLocal = true
	require.NoError(t, table.Insert(s))

	err := coord.CommitTransaction(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, txnstate.Committed, s.Load().Status)
	require.Empty(t, tport.prepares)
	require.Equal(t, 1, h.commit)
}

package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mtmcore/arbiter"
	"github.com/maxpert/mtmcore/clusterstatus"
	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/deadlock"
	"github.com/maxpert/mtmcore/gtid"
)

type fixedStatus struct{ s clusterstatus.Status }

func (f fixedStatus) Status() clusterstatus.Status         { return f.s }
func (f fixedStatus) SetForcedStatus(clusterstatus.Status) {}
func (f fixedStatus) ClearForcedStatus()                   {}

type fakeRecovery struct {
	called bool
	err    error
}

func (f *fakeRecovery) Run(ctx context.Context) error {
	f.called = true
	return f.err
}

func newTestManager(t *testing.T) (*Manager, *arbiter.Registry, *fakeRecovery) {
	t.Helper()
	reg := arbiter.NewRegistry(gtid.NodeID(1), 3)
	graph := deadlock.NewGraph()
	clock := csn.NewClock()
	rec := &fakeRecovery{}
	m := NewManager(gtid.NodeID(1), reg, fixedStatus{clusterstatus.Online}, clock, graph, nil, rec, zerolog.Nop())
	return m, reg, rec
}

func TestManager_AddDropNode(t *testing.T) {
	m, reg, _ := newTestManager(t)

	require.NoError(t, m.DropNode(gtid.NodeID(2)))
	require.True(t, reg.IsDisabled(gtid.NodeID(2)))

	require.NoError(t, m.AddNode(gtid.NodeID(2)))
	require.False(t, reg.IsDisabled(gtid.NodeID(2)))

	require.Error(t, m.AddNode(gtid.NodeID(9)))
	require.Error(t, m.DropNode(gtid.NodeID(0)))
}

func TestManager_RecoverNodeInvokesTrigger(t *testing.T) {
	m, _, rec := newTestManager(t)
	require.NoError(t, m.RecoverNode(context.Background()))
	require.True(t, rec.called)
}

func TestManager_RecoverNodeWithoutTriggerErrors(t *testing.T) {
	reg := arbiter.NewRegistry(gtid.NodeID(1), 3)
	m := NewManager(gtid.NodeID(1), reg, fixedStatus{clusterstatus.Online}, csn.NewClock(), deadlock.NewGraph(), nil, nil, zerolog.Nop())
	require.Error(t, m.RecoverNode(context.Background()))
}

func TestManager_GetClusterStateReflectsRegistry(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.DisableNode(gtid.NodeID(3))

	state := m.GetClusterState()
	require.Equal(t, 3, state.TotalNodes)
	require.Equal(t, 2, state.LiveNodeCount)
	require.Equal(t, "online", state.Status)
}

func TestManager_MakeTableLocalTracksFlag(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.False(t, m.IsTableLocal("orders"))
	m.MakeTableLocal("orders")
	require.True(t, m.IsTableLocal("orders"))
}

func TestManager_DumpLockGraphReflectsGraph(t *testing.T) {
	reg := arbiter.NewRegistry(gtid.NodeID(1), 3)
	graph := deadlock.NewGraph()
	m := NewManager(gtid.NodeID(1), reg, fixedStatus{clusterstatus.Online}, csn.NewClock(), graph, nil, nil, zerolog.Nop())

	waiter := gtid.GTID{Node: 1, Xid: 10}
	holder := gtid.GTID{Node: 2, Xid: 20}
	graph.SetWaiting(waiter, holder)

	edges := m.DumpLockGraph()
	require.Len(t, edges, 1)
	require.Equal(t, waiter, edges[0].Waiter)
	require.Equal(t, holder, edges[0].Holder)
}

func TestManager_GetCSNAndSnapshotAreMonotone(t *testing.T) {
	m, _, _ := newTestManager(t)
	a := m.GetSnapshot()
	b := m.GetSnapshot()
	require.True(t, b >= a)
	require.Equal(t, b, m.GetCSN())
}

func TestRouter_ClusterStateEndpoint(t *testing.T) {
	m, _, _ := newTestManager(t)
	r := Router(m)

	req := httptest.NewRequest(http.MethodGet, "/cluster/state", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"self":1`)
}

func TestRouter_AddNodeEndpointRejectsBadID(t *testing.T) {
	m, _, _ := newTestManager(t)
	r := Router(m)

	req := httptest.NewRequest(http.MethodPost, "/cluster/nodes/99/add", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type recordingStatus struct {
	forced  []clusterstatus.Status
	cleared int
}

func (r *recordingStatus) Status() clusterstatus.Status { return clusterstatus.Online }
func (r *recordingStatus) SetForcedStatus(s clusterstatus.Status) {
	r.forced = append(r.forced, s)
}
func (r *recordingStatus) ClearForcedStatus() { r.cleared++ }

func TestManager_MarkAndClearOutOfService(t *testing.T) {
	reg := arbiter.NewRegistry(gtid.NodeID(1), 3)
	status := &recordingStatus{}
	m := NewManager(gtid.NodeID(1), reg, status, csn.NewClock(), deadlock.NewGraph(), nil, nil, zerolog.Nop())

	require.NoError(t, m.MarkOutOfService())
	require.Equal(t, []clusterstatus.Status{clusterstatus.OutOfService}, status.forced)

	require.NoError(t, m.ClearOutOfService())
	require.Equal(t, 1, status.cleared)
}

func TestManager_OutOfServiceWithoutStatusSourceErrors(t *testing.T) {
	reg := arbiter.NewRegistry(gtid.NodeID(1), 3)
	m := NewManager(gtid.NodeID(1), reg, nil, csn.NewClock(), deadlock.NewGraph(), nil, nil, zerolog.Nop())

	require.Error(t, m.MarkOutOfService())
	require.Error(t, m.ClearOutOfService())
}

func TestManager_StatusSinkMethodsDoNotPanic(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NotPanics(t, func() {
		m.OnStatusChange(clusterstatus.Online)
		m.OnNodeDisconnect(gtid.NodeID(2))
	})
}

func TestGidFaultInjector_TargetsSpecificGID(t *testing.T) {
	f := &gidFaultInjector{}
	target := gtid.GTID{Node: 1, Xid: 5}
	other := gtid.GTID{Node: 1, Xid: 6}

	fail, _ := f.ShouldFail(target)
	require.False(t, fail)

	f.set(target, false, "boom")
	fail, reason := f.ShouldFail(target)
	require.True(t, fail)
	require.Equal(t, "boom", reason)

	fail, _ = f.ShouldFail(other)
	require.False(t, fail)

	f.clear()
	fail, _ = f.ShouldFail(target)
	require.False(t, fail)
}

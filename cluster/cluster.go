// Package cluster owns the cluster-wide administrative surface (spec §6:
// add-node, drop-node, recover-node, poll-node, get-cluster-state,
// get-nodes-state, make-table-local, dump-lock-graph, inject-2pc-error,
// get-csn, get-snapshot), grounded on the teacher's admin HTTP handlers
// (cluster.go's HandleMembers/HandleRemove/HandleAllow) generalized from
// gossip-driven membership to this system's arbiter-registry-backed
// membership.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/maxpert/mtmcore/arbiter"
	"github.com/maxpert/mtmcore/clusterstatus"
	"github.com/maxpert/mtmcore/coordinator"
	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/deadlock"
	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/telemetry"
)

// RecoveryTrigger starts a node's catch-up against a donor; satisfied
// structurally by *recovery.Controller without an import (the recovery
// package already depends on this one's siblings, so cluster stays a leaf
// consumer rather than adding a cycle).
type RecoveryTrigger interface {
	Run(ctx context.Context) error
}

// StatusSource reports the local node's current cluster-status view and lets
// an admin action or the recovery controller pin it away from clique-driven
// computation (spec §4.5's Recovery and OutOfService states).
type StatusSource interface {
	Status() clusterstatus.Status
	SetForcedStatus(clusterstatus.Status)
	ClearForcedStatus()
}

// Admin is the complete administrative surface named by spec §6. Surface
// syntax (HTTP here) is not part of the contract; the operation set is.
type Admin interface {
	AddNode(node gtid.NodeID) error
	DropNode(node gtid.NodeID) error
	RecoverNode(ctx context.Context) error
	PollNode(node gtid.NodeID) (NodeState, error)
	GetClusterState() ClusterState
	GetNodesState() map[gtid.NodeID]NodeState
	MakeTableLocal(table string)
	DumpLockGraph() []LockEdge
	Inject2PCError(target gtid.GTID, reason string)
	ClearInjectedError()
	GetCSN() csn.CSN
	GetSnapshot() csn.CSN
	MarkOutOfService() error
	ClearOutOfService() error
}

// NodeState is one node's externally visible runtime summary.
type NodeState struct {
	NodeID           gtid.NodeID `json:"node_id"`
	ConnectivityMask uint64      `json:"connectivity_mask"`
	Disabled         bool        `json:"disabled"`
	OldestSnapshot   csn.CSN     `json:"oldest_snapshot"`
}

// ClusterState is the cluster-wide summary returned by get-cluster-state.
type ClusterState struct {
	Self          gtid.NodeID         `json:"self"`
	Status        string              `json:"status"`
	TotalNodes    int                 `json:"total_nodes"`
	LiveNodeCount int                 `json:"live_node_count"`
	DisabledMask  uint64              `json:"disabled_mask"`
	LastCSN       csn.CSN             `json:"last_csn"`
	LocalTables   []string            `json:"local_tables,omitempty"`
}

// LockEdge is one waiter-holder edge of the wait-for graph, the
// JSON-serializable form of a deadlock.Graph snapshot (GTID structs are not
// valid JSON map keys).
type LockEdge struct {
	Waiter gtid.GTID `json:"waiter"`
	Holder gtid.GTID `json:"holder"`
}

// gidFaultInjector implements coordinator.FaultInjector, forcing exactly
// one GTID (or every GTID, when the all flag is set) to fail PREPARE for administrative testing (spec §6, inject-2pc-error).
type gidFaultInjector struct {
	mu     sync.Mutex
	active bool
	target gtid.GTID
	all    bool
	reason string
}

func (f *gidFaultInjector) ShouldFail(g gtid.GTID) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return false, ""
	}
	if f.all || g == f.target {
		return true, f.reason
	}
	return false, ""
}

func (f *gidFaultInjector) set(target gtid.GTID, all bool, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
	f.target = target
	f.all = all
	f.reason = reason
}

func (f *gidFaultInjector) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
}

// Manager is the per-node implementation of Admin, backed by this node's
// own arbiter registry, deadlock graph, CSN clock, and coordinator.
type Manager struct {
	self      gtid.NodeID
	reg       *arbiter.Registry
	status    StatusSource
	clock     *csn.Clock
	graph     *deadlock.Graph
	coord     *coordinator.Coordinator
	recovery  RecoveryTrigger
	faults    *gidFaultInjector
	log       zerolog.Logger

	mu          sync.RWMutex
	localTables map[string]bool
}

// NewManager wires a Manager to the collaborators that make up this node's
// cluster-wide shared state. recovery may be nil if this node never runs
// its own recovery controller (e.g. it is always the initial donor set).
func NewManager(self gtid.NodeID, reg *arbiter.Registry, status StatusSource, clock *csn.Clock, graph *deadlock.Graph, coord *coordinator.Coordinator, recovery RecoveryTrigger, log zerolog.Logger) *Manager {
	faults := &gidFaultInjector{}
	if coord != nil {
		coord.SetFaultInjector(faults)
	}
	return &Manager{
		self:        self,
		reg:         reg,
		status:      status,
		clock:       clock,
		graph:       graph,
		coord:       coord,
		recovery:    recovery,
		faults:      faults,
		log:         log.With().Str("component", "cluster-manager").Logger(),
		localTables: make(map[string]bool),
	}
}

var (
	_ Admin              = (*Manager)(nil)
	_ arbiter.StatusSink = (*Manager)(nil)
)

// AddNode flips node's enable bit within the fixed max-nodes bound set at
// construction (spec §9 DESIGN NOTES: "add-node merely flips an enable bit
// within that bound").
func (m *Manager) AddNode(node gtid.NodeID) error {
	if int(node) < 1 || int(node) > m.reg.TotalNodes() {
		return fmt.Errorf("cluster: node %d outside configured bound of %d", node, m.reg.TotalNodes())
	}
	m.reg.EnableNode(node)
	return nil
}

// DropNode administratively disables node.
func (m *Manager) DropNode(node gtid.NodeID) error {
	if int(node) < 1 || int(node) > m.reg.TotalNodes() {
		return fmt.Errorf("cluster: node %d outside configured bound of %d", node, m.reg.TotalNodes())
	}
	m.reg.DisableNode(node)
	return nil
}

// RecoverNode starts this node's recovery controller, blocking until it
// reaches a terminal phase.
func (m *Manager) RecoverNode(ctx context.Context) error {
	if m.recovery == nil {
		return fmt.Errorf("cluster: no recovery controller configured for this node")
	}
	return m.recovery.Run(ctx)
}

// PollNode reports one node's runtime summary.
func (m *Manager) PollNode(node gtid.NodeID) (NodeState, error) {
	if int(node) < 1 || int(node) > m.reg.TotalNodes() {
		return NodeState{}, fmt.Errorf("cluster: unknown node %d", node)
	}
	snapshots := m.reg.NodeOldestSnapshots()
	return NodeState{
		NodeID:           node,
		ConnectivityMask: m.connectivityMaskFor(node),
		Disabled:         m.reg.IsDisabled(node),
		OldestSnapshot:   snapshots[uint8(node)],
	}, nil
}

func (m *Manager) connectivityMaskFor(node gtid.NodeID) uint64 {
	if node == m.self {
		return m.reg.LocalConnectivityMask()
	}
	return 0
}

// GetClusterState returns the cluster-wide summary.
func (m *Manager) GetClusterState() ClusterState {
	m.mu.RLock()
	tables := make([]string, 0, len(m.localTables))
	for t := range m.localTables {
		tables = append(tables, t)
	}
	m.mu.RUnlock()

	status := clusterstatus.Initializing
	if m.status != nil {
		status = m.status.Status()
	}

	return ClusterState{
		Self:          m.self,
		Status:        status.String(),
		TotalNodes:    m.reg.TotalNodes(),
		LiveNodeCount: m.reg.LiveNodeCount(),
		DisabledMask:  m.reg.DisabledMask(),
		LastCSN:       m.clock.LastCSN(),
		LocalTables:   tables,
	}
}

// GetNodesState returns every configured node's runtime summary.
func (m *Manager) GetNodesState() map[gtid.NodeID]NodeState {
	out := make(map[gtid.NodeID]NodeState, m.reg.TotalNodes())
	for i := 1; i <= m.reg.TotalNodes(); i++ {
		node := gtid.NodeID(i)
		state, err := m.PollNode(node)
		if err != nil {
			continue
		}
		out[node] = state
	}
	return out
}

// MakeTableLocal flags table as never distributed; the host engine consults
// this when deciding whether a transaction touching it must run 2PC.
func (m *Manager) MakeTableLocal(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localTables[table] = true
}

// IsTableLocal reports whether table was previously flagged by
// MakeTableLocal.
func (m *Manager) IsTableLocal(table string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localTables[table]
}

// DumpLockGraph returns the local wait-for graph as a flat edge list.
func (m *Manager) DumpLockGraph() []LockEdge {
	snap := m.graph.Snapshot()
	edges := make([]LockEdge, 0, len(snap))
	for waiter, holder := range snap {
		edges = append(edges, LockEdge{Waiter: waiter, Holder: holder})
	}
	return edges
}

// Inject2PCError forces every PREPARE for target to fail with reason until
// ClearInjectedError is called, for testing (spec §6, inject-2pc-error).
func (m *Manager) Inject2PCError(target gtid.GTID, reason string) {
	m.faults.set(target, false, reason)
}

// ClearInjectedError removes any active fault injection.
func (m *Manager) ClearInjectedError() {
	m.faults.clear()
}

// GetCSN returns the most recently assigned commit sequence number.
func (m *Manager) GetCSN() csn.CSN {
	return m.clock.LastCSN()
}

// GetSnapshot mints a fresh CSN to use as a new transaction's snapshot.
func (m *Manager) GetSnapshot() csn.CSN {
	return m.clock.AssignCSN()
}

// MarkOutOfService forces this node's reported cluster status to
// OutOfService, holding it there regardless of clique membership, until
// ClearOutOfService is called (spec §6's administrative out-of-service
// action, spec §4.5's OutOfService state).
func (m *Manager) MarkOutOfService() error {
	if m.status == nil {
		return fmt.Errorf("cluster: no status source configured for this node")
	}
	m.status.SetForcedStatus(clusterstatus.OutOfService)
	return nil
}

// ClearOutOfService releases a status forced by MarkOutOfService, letting
// status resume tracking clique membership.
func (m *Manager) ClearOutOfService() error {
	if m.status == nil {
		return fmt.Errorf("cluster: no status source configured for this node")
	}
	m.status.ClearForcedStatus()
	return nil
}

// OnStatusChange implements arbiter.StatusSink, recording every cluster
// status transition this node observes.
func (m *Manager) OnStatusChange(s clusterstatus.Status) {
	telemetry.StatusTransitionsTotal.With(s.String()).Inc()
	m.log.Info().Str("status", s.String()).Msg("cluster status changed")
}

// OnNodeDisconnect implements arbiter.StatusSink, recording a watchdog's
// detection that node has stopped responding to heartbeats.
func (m *Manager) OnNodeDisconnect(node gtid.NodeID) {
	telemetry.NodeDisconnectsTotal.Inc()
	m.log.Warn().Uint8("node", uint8(node)).Msg("cluster observed node disconnect")
}

// Router builds the chi router exposing Admin over HTTP, mirroring the
// teacher's admin-handler-per-route layout.
func Router(m Admin) chi.Router {
	r := chi.NewRouter()
	r.Get("/cluster/state", handleClusterState(m))
	r.Get("/cluster/nodes", handleNodesState(m))
	r.Get("/cluster/nodes/{nodeID}", handlePollNode(m))
	r.Post("/cluster/nodes/{nodeID}/add", handleAddNode(m))
	r.Post("/cluster/nodes/{nodeID}/drop", handleDropNode(m))
	r.Post("/cluster/recover", handleRecoverNode(m))
	r.Post("/cluster/tables/{name}/local", handleMakeTableLocal(m))
	r.Get("/cluster/lock-graph", handleDumpLockGraph(m))
	r.Post("/cluster/inject-2pc-error", handleInject2PCError(m))
	r.Delete("/cluster/inject-2pc-error", handleClearInjectedError(m))
	r.Get("/cluster/csn", handleGetCSN(m))
	r.Get("/cluster/snapshot", handleGetSnapshot(m))
	r.Post("/cluster/out-of-service", handleMarkOutOfService(m))
	r.Delete("/cluster/out-of-service", handleClearOutOfService(m))
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func nodeIDParam(r *http.Request) (gtid.NodeID, error) {
	raw := chi.URLParam(r, "nodeID")
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid node id %q", raw)
	}
	return gtid.NodeID(n), nil
}

func handleClusterState(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.GetClusterState())
	}
}

func handleNodesState(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.GetNodesState())
	}
}

func handlePollNode(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := nodeIDParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state, err := m.PollNode(node)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, state)
	}
}

func handleAddNode(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := nodeIDParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := m.AddNode(node); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func handleDropNode(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := nodeIDParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := m.DropNode(node); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func handleRecoverNode(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go func() {
			if err := m.RecoverNode(context.Background()); err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("cluster: recovery attempt failed")
			}
		}()
		writeJSON(w, map[string]string{"status": "recovery started"})
	}
}

func handleMakeTableLocal(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		m.MakeTableLocal(name)
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func handleDumpLockGraph(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, m.DumpLockGraph())
	}
}

func handleInject2PCError(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Node   uint8  `json:"node"`
			Xid    uint64 `json:"xid"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m.Inject2PCError(gtid.GTID{Node: gtid.NodeID(req.Node), Xid: req.Xid}, req.Reason)
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func handleClearInjectedError(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ClearInjectedError()
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func handleGetCSN(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]uint64{"csn": uint64(m.GetCSN())})
	}
}

func handleGetSnapshot(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]uint64{"snapshot": uint64(m.GetSnapshot())})
	}
}

func handleMarkOutOfService(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.MarkOutOfService(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func handleClearOutOfService(m Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.ClearOutOfService(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

package arbiter

import (
	"sync"
	"time"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
)

// NodeRuntime is the per-node runtime record from spec §3.
type NodeRuntime struct {
	ConnectivityMask uint64 // bit i set = "I cannot reach node i"
	LastHeartbeat    time.Time
	OldestSnapshot   csn.CSN
	SenderPID        int
	ReceiverPID      int
	FlushPosition    uint64
	RestartLSN       uint64
}

// Registry tracks every node's runtime record plus the locally agreed
// disabled-mask and the time of the last status change (the status itself
// is held by Detector), guarded by a single RWMutex per the module's
// state-lock discipline (spec §5).
type Registry struct {
	mu sync.RWMutex

	self  gtid.NodeID
	n     int // total configured node count
	nodes map[gtid.NodeID]*NodeRuntime

	disabledMask        uint64
	configChangeCounter uint64

	// lastStatusChange records when the local status last changed, for the
	// debounce rule in spec §4.5.
	lastStatusChange time.Time
}

// NewRegistry constructs a Registry for a cluster of n total nodes, with
// self identifying the local node.
func NewRegistry(self gtid.NodeID, n int) *Registry {
	r := &Registry{
		self:  self,
		n:     n,
		nodes: make(map[gtid.NodeID]*NodeRuntime, n),
	}
	for i := 1; i <= n; i++ {
		r.nodes[gtid.NodeID(i)] = &NodeRuntime{}
	}
	return r
}

// TotalNodes returns the configured cluster size.
func (r *Registry) TotalNodes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// RecordHeartbeat updates node's last-seen time from an inbound HEARTBEAT
// message; the sender's connectivity mask is not recorded here.
func (r *Registry) RecordHeartbeat(node gtid.NodeID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nr, ok := r.nodes[node]
	if !ok {
		return
	}
	nr.LastHeartbeat = at
}

// SetOldestSnapshot records a peer's published oldest-snapshot, used by the
// visibility package's OldestXmin computation.
func (r *Registry) SetOldestSnapshot(node gtid.NodeID, snap csn.CSN) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nr, ok := r.nodes[node]; ok {
		nr.OldestSnapshot = snap
	}
}

// NodeOldestSnapshots implements visibility.NodeSnapshotSource.
func (r *Registry) NodeOldestSnapshots() map[uint8]csn.CSN {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint8]csn.CSN, len(r.nodes))
	for id, nr := range r.nodes {
		out[uint8(id)] = nr.OldestSnapshot
	}
	return out
}

// LocalConnectivityMask returns the local node's own view of which peers it
// currently cannot reach (bit i set = unreachable).
func (r *Registry) LocalConnectivityMask() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[r.self].ConnectivityMask
}

// SetLocalUnreachable marks node as unreachable (or reachable) from this
// node's own perspective, as the watchdog decides.
func (r *Registry) SetLocalUnreachable(node gtid.NodeID, unreachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	self := r.nodes[r.self]
	if unreachable {
		self.ConnectivityMask |= node.Bit()
	} else {
		self.ConnectivityMask &^= node.Bit()
	}
}

// DisabledMask returns the current disabled-node bitset (spec I5).
func (r *Registry) DisabledMask() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabledMask
}

// IsDisabled reports whether node currently holds a set bit in the
// disabled-mask.
func (r *Registry) IsDisabled(node gtid.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabledMask&node.Bit() != 0
}

// ConfigChangeCounter returns the current value of the cluster
// configuration change counter, incremented every time the disabled-mask
// changes; the coordinator polls this to detect quorum changes mid-vote
// (spec §4.4).
func (r *Registry) ConfigChangeCounter() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configChangeCounter
}

// ApplyClique recomputes disabled-mask from a freshly computed clique
// (spec §4.5): nodes outside the clique are added to disabled-mask; nodes
// inside it that were previously disabled STAY disabled — clique
// membership alone never re-enables a node, only recovery completion does
// (spec §4.5, §4.6, I7). It returns the new disabled-mask and whether it
// changed.
func (r *Registry) ApplyClique(clique uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var outsideClique uint64
	if r.n == 64 {
		outsideClique = ^clique
	} else {
		all := (uint64(1) << uint(r.n)) - 1
		outsideClique = all &^ clique
	}

	next := r.disabledMask | outsideClique
	changed := next != r.disabledMask
	if changed {
		r.disabledMask = next
		r.configChangeCounter++
	}
	return next, changed
}

// EnableNode clears node's bit in disabled-mask. Per spec §4.6, this is
// only correct to call once recovery's caught-up handshake completes, never
// merely because a clique recomputation now includes the node (I7).
func (r *Registry) EnableNode(node gtid.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabledMask&node.Bit() == 0 {
		return
	}
	r.disabledMask &^= node.Bit()
	r.configChangeCounter++
}

// DisableNode sets node's bit in disabled-mask directly, used when a node
// discovers its own bit set by others (self-offline transition) or when an
// administrative drop-node/inject-fault path requires it.
func (r *Registry) DisableNode(node gtid.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disabledMask&node.Bit() != 0 {
		return
	}
	r.disabledMask |= node.Bit()
	r.configChangeCounter++
}

// MarkReceiverConnected records that this node has a live receive channel
// from node — in this implementation, that it has decoded at least one
// HEARTBEAT frame from node since the connection was last considered down.
// ReceiverPID doubles as that boolean here: any nonzero value means
// connected, mirroring the teacher's WAL-receiver-PID liveness check without
// this module spawning an OS process per peer.
func (r *Registry) MarkReceiverConnected(node gtid.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nr, ok := r.nodes[node]; ok {
		nr.ReceiverPID = 1
	}
}

// MarkReceiverDisconnected clears node's receiver-connected flag, called
// when the watchdog first notices node has stopped responding.
func (r *Registry) MarkReceiverDisconnected(node gtid.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nr, ok := r.nodes[node]; ok {
		nr.ReceiverPID = 0
	}
}

// ReceiversReconnected reports whether every currently-enabled peer (per
// disabled-mask) has a live receiver channel. A node cannot claim Online
// status until this holds, so a peer that is reachable per the clique
// computation but whose receive channel this node hasn't actually
// re-established yet cannot prematurely be treated as fully caught up
// (spec §4.5).
func (r *Registry) ReceiversReconnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 1; i <= r.n; i++ {
		node := gtid.NodeID(i)
		if node == r.self || r.disabledMask&node.Bit() != 0 {
			continue
		}
		if nr, ok := r.nodes[node]; !ok || nr.ReceiverPID == 0 {
			return false
		}
	}
	return true
}

// LiveNodeCount returns the population count of nodes NOT in disabled-mask.
func (r *Registry) LiveNodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for i := 1; i <= r.n; i++ {
		if r.disabledMask&gtid.NodeID(i).Bit() == 0 {
			count++
		}
	}
	return count
}

// DebounceOK reports whether enough time (delay) has passed since the last
// recorded status change to allow a new one, and — if so — records now as
// the new change time (spec §4.5, "Debounce").
func (r *Registry) DebounceOK(now time.Time, delay time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastStatusChange.IsZero() && now.Sub(r.lastStatusChange) < delay {
		return false
	}
	r.lastStatusChange = now
	return true
}

package recovery

import (
	"sync"

	"github.com/maxpert/mtmcore/gtid"
)

// DonorGate is the donor-side half of the C4/C6 interlock (spec §4.4,
// "Cluster lock interlock"): while any wal-sender this node owns is serving
// a peer in the almost-caught-up phase, new local PREPAREs must wait. It
// implements coordinator.RecoveryGate without importing the coordinator
// package, matching this module's habit of depending on narrow local
// interfaces rather than concrete cross-package types.
type DonorGate struct {
	mu    sync.RWMutex
	locks map[gtid.NodeID]bool
}

// NewDonorGate constructs an empty DonorGate.
func NewDonorGate() *DonorGate {
	return &DonorGate{locks: make(map[gtid.NodeID]bool)}
}

// SetAlmostCaughtUp records whether the wal-sender serving peer is currently
// in the almost-caught-up phase (spec §4.6: "the donor sets a bit in its
// wal-sender-locker mask ... preventing new local commits").
func (g *DonorGate) SetAlmostCaughtUp(peer gtid.NodeID, on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if on {
		g.locks[peer] = true
	} else {
		delete(g.locks, peer)
	}
}

// PrepareBlocked reports whether any served peer currently holds the
// wal-sender lock, per the C4 interlock.
func (g *DonorGate) PrepareBlocked() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.locks) > 0
}

// LockedPeers returns the peers currently holding the wal-sender lock, for
// diagnostics.
func (g *DonorGate) LockedPeers() []gtid.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]gtid.NodeID, 0, len(g.locks))
	for p := range g.locks {
		out = append(out, p)
	}
	return out
}

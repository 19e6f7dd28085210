// Package gtid defines cluster-wide transaction identifiers: the small
// per-node integer node IDs (spec §3, "Node identity"), the (node, xid)
// GlobalTransactionId pair, and the textual GID handle used for prepared
// transactions.
package gtid

import (
	"fmt"

	"github.com/google/uuid"
)

// MaxNodes is the hard upper bound on cluster size (spec §3: "N <= 64 so
// node sets fit a machine word"). Bitmasks throughout arbiter/txnstate are
// sized to this bound.
const MaxNodes = 64

// NodeID is a node's small positive integer identity, fixed at cluster
// creation and never reused for a different physical node while it holds a
// live bit in any mask.
type NodeID uint8

// Valid reports whether id falls within [1, MaxNodes].
func (id NodeID) Valid() bool {
	return id >= 1 && id <= MaxNodes
}

// Bit returns the bitmask bit corresponding to this node, used by every
// connectivity/disabled mask in the arbiter and cluster packages.
func (id NodeID) Bit() uint64 {
	return 1 << uint(id-1)
}

// GTID identifies a transaction by the node that originated it and that
// node's local transaction identifier.
type GTID struct {
	Node NodeID
	Xid  uint64
}

func (g GTID) String() string {
	return fmt.Sprintf("%d:%d", g.Node, g.Xid)
}

// GID is the textual global identifier used as a prepared-transaction
// handle, unique across the cluster (spec §3, §6).
type GID string

// NewGID mints a fresh, cluster-unique GID for the transaction originating
// on node for local transaction xid. The originator/xid pair is embedded in
// the text so a GID alone is enough to reconstruct the owning GTID for
// logging and administrative inspection, while the UUID suffix guarantees
// global uniqueness even across node restarts that reuse xid ranges.
func NewGID(g GTID) GID {
	return GID(fmt.Sprintf("mtm_%d_%d_%s", g.Node, g.Xid, uuid.NewString()))
}

package arbiter

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxClique_FullyConnected(t *testing.T) {
	masks := map[int]uint64{0: 0, 1: 0, 2: 0} // nobody reports any unreachability
	clique := MaxClique(masks, 3)
	require.Equal(t, 3, bits.OnesCount64(clique))
}

// TestMaxClique_Split mirrors spec §8 scenario 5: a 5-node cluster
// partitioned into {1,2} and {3,4,5} (0-indexed here as {0,1} and
// {2,3,4}), where the larger side must be selected.
func TestMaxClique_Split(t *testing.T) {
	// Nodes 0,1 can reach each other but not 2,3,4. Nodes 2,3,4 form a
	// full mesh among themselves and cannot reach 0,1.
	sideA := uint64(0b11100) // bits 2,3,4 unreachable
	sideB := uint64(0b00011) // bits 0,1 unreachable

	masks := map[int]uint64{
		0: sideA, 1: sideA,
		2: sideB, 3: sideB, 4: sideB,
	}

	clique := MaxClique(masks, 5)
	require.Equal(t, 3, bits.OnesCount64(clique))
	require.Equal(t, uint64(0b11100), clique)
}

func TestMaxClique_AsymmetricLinkIsNotAnEdge(t *testing.T) {
	// Node 0 claims it can reach node 1, but node 1 reports it cannot
	// reach node 0. The edge requires mutual agreement.
	masks := map[int]uint64{
		0: 0b00, // 0 thinks it can reach both 1 (bit1) — clear
		1: 0b01, // 1 cannot reach 0 (bit0 set)
	}
	clique := MaxClique(masks, 2)
	require.Equal(t, 1, bits.OnesCount64(clique))
}

func TestQuorumSize(t *testing.T) {
	require.Equal(t, 2, QuorumSize(3))
	require.Equal(t, 3, QuorumSize(5))
	require.Equal(t, 3, QuorumSize(4))
}

func TestHasQuorum_BoundaryBehaviors(t *testing.T) {
	// spec §8: exactly floor(N/2) reachable peers => in-minority; one more
	// => quorum. For N=5, floor(N/2)=2.
	require.False(t, HasQuorum(2, 5))
	require.True(t, HasQuorum(3, 5))
}

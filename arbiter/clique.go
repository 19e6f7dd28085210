// Package arbiter implements the failure detector described in spec §4.5
// (component C5): heartbeats, per-node connectivity bitmasks, and the
// maximum-clique quorum computation that turns those bitmasks into an
// agreed-upon live set.
package arbiter

import "math/bits"

// MaxClique runs Bron-Kerbosch over the reachability graph implied by masks
// (mask[i] has bit j set iff node i reports it CANNOT reach node j — spec
// §3, "connectivity-mask (bit i = I cannot reach node i)"). n is the total
// node count. An edge exists between i and j iff both report the other
// reachable. Since n <= 64 (spec §3), the whole adjacency matrix and every
// candidate/excluded set fit in a uint64 bitset, so the search needs no
// heap allocation on its hot path.
func MaxClique(masks map[int]uint64, n int) uint64 {
	if n <= 0 || n > 64 {
		return 0
	}

	adjacency := make([]uint64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			iReachesJ := masks[i]&(1<<uint(j)) == 0
			jReachesI := masks[j]&(1<<uint(i)) == 0
			if iReachesJ && jReachesI {
				adjacency[i] |= 1 << uint(j)
			}
		}
	}

	var all uint64
	if n == 64 {
		all = ^uint64(0)
	} else {
		all = (uint64(1) << uint(n)) - 1
	}

	best := uint64(0)
	bronKerbosch(adjacency, 0, all, 0, &best)
	return best
}

// bronKerbosch explores cliques containing `current`, with `candidates` the
// still-extendable set and `excluded` the set already ruled out, tracking
// the largest clique found in *best (by population count).
func bronKerbosch(adj []uint64, current, candidates, excluded uint64, best *uint64) {
	if candidates == 0 && excluded == 0 {
		if bits.OnesCount64(current) > bits.OnesCount64(*best) {
			*best = current
		}
		return
	}

	// Pivot selection: pick the vertex in candidates|excluded with the most
	// neighbors in candidates, to prune the branching factor.
	pivotSet := candidates | excluded
	var pivot uint64 = ^uint64(0)
	bestNeighbors := -1
	for pivotSet != 0 {
		v := bits.TrailingZeros64(pivotSet)
		pivotSet &^= 1 << uint(v)
		neighbors := bits.OnesCount64(adj[v] & candidates)
		if neighbors > bestNeighbors {
			bestNeighbors = neighbors
			pivot = adj[v]
		}
	}

	toExplore := candidates
	if pivot != ^uint64(0) {
		toExplore = candidates &^ pivot
	}

	remaining := candidates
	for toExplore != 0 {
		v := bits.TrailingZeros64(toExplore)
		vBit := uint64(1) << uint(v)
		toExplore &^= vBit

		bronKerbosch(adj, current|vBit, remaining&adj[v], excluded&adj[v], best)

		remaining &^= vBit
		excluded |= vBit
	}
}

// QuorumSize is floor(n/2)+1: the smallest clique size that constitutes a
// majority of n nodes (spec §4.5).
func QuorumSize(n int) int {
	return n/2 + 1
}

// HasQuorum reports whether a clique of the given population size is a
// majority of n total nodes.
func HasQuorum(cliqueSize, n int) bool {
	return cliqueSize >= QuorumSize(n)
}

// Package deadlock implements the cross-node wait-for graph deadlock
// detector described in spec §5 ("Deadlock detection"): each node
// publishes its local wait-for edges (translated to GTIDs), every node
// unions the published graphs, and searches for cycles.
package deadlock

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/maxpert/mtmcore/gtid"
)

// Graph is one node's local wait-for graph: waiter GTID -> holder GTID it
// is blocked on. A GTID may wait on at most one holder at a time (a
// transaction blocks on a single lock acquisition).
type Graph struct {
	mu    sync.RWMutex
	edges map[gtid.GTID]gtid.GTID
}

// NewGraph constructs an empty wait-for graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[gtid.GTID]gtid.GTID)}
}

// SetWaiting records that waiter is blocked waiting on holder.
func (g *Graph) SetWaiting(waiter, holder gtid.GTID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[waiter] = holder
}

// ClearWaiting removes waiter's edge, e.g. once its lock request succeeds.
func (g *Graph) ClearWaiting(waiter gtid.GTID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, waiter)
}

// Snapshot returns a value copy of the current edge set, safe to serialize
// or merge without holding the graph's lock.
func (g *Graph) Snapshot() map[gtid.GTID]gtid.GTID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[gtid.GTID]gtid.GTID, len(g.edges))
	for k, v := range g.edges {
		out[k] = v
	}
	return out
}

// Fingerprint returns a compact hash of the graph's current edge set, used
// as the value published alongside the full graph (spec §6, key
// `lock-graph-<i>`) so peers can skip re-parsing an unchanged graph.
func (g *Graph) Fingerprint() uint64 {
	edges := g.Snapshot()
	keys := make([]gtid.GTID, 0, len(edges))
	for k := range edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Node != keys[j].Node {
			return keys[i].Node < keys[j].Node
		}
		return keys[i].Xid < keys[j].Xid
	})

	h := xxhash.New()
	for _, waiter := range keys {
		fmt.Fprintf(h, "%s->%s;", waiter, edges[waiter])
	}
	return h.Sum64()
}

// Union merges a set of per-node graphs (as published under
// `lock-graph-<i>`) into a single global wait-for graph. Later maps in the
// slice win on a duplicate waiter key, but distinct nodes should never
// report the same waiter, since a transaction has exactly one origin.
func Union(graphs ...map[gtid.GTID]gtid.GTID) map[gtid.GTID]gtid.GTID {
	merged := make(map[gtid.GTID]gtid.GTID)
	for _, g := range graphs {
		for waiter, holder := range g {
			merged[waiter] = holder
		}
	}
	return merged
}

// FindCycle searches the global wait-for graph for a cycle using DFS with
// three-color marking. It returns the cycle (in wait order) if one exists.
// spec.md's first Open Question asks whether a peer's missing graph data
// should be treated as fail-open or fail-closed for this search; this
// implementation is fail-open: a missing peer entry is absent data, not an
// edge, and never itself manufactures a cycle (see DESIGN.md).
func FindCycle(global map[gtid.GTID]gtid.GTID) []gtid.GTID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[gtid.GTID]int, len(global))

	var path []gtid.GTID
	var cycle []gtid.GTID

	var visit func(node gtid.GTID) bool
	visit = func(node gtid.GTID) bool {
		color[node] = gray
		path = append(path, node)

		if next, ok := global[node]; ok {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				// Found a cycle: extract the portion of path from next's
				// first occurrence onward.
				for i, n := range path {
					if n == next {
						cycle = append([]gtid.GTID(nil), path[i:]...)
						return true
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return false
	}

	// Deterministic iteration order for reproducible victim selection.
	nodes := make([]gtid.GTID, 0, len(global))
	for n := range global {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Node != nodes[j].Node {
			return nodes[i].Node < nodes[j].Node
		}
		return nodes[i].Xid < nodes[j].Xid
	})

	for _, n := range nodes {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

// YoungestInCycle picks the deadlock victim: among the participants in cycle
// that belong to localNode, the one with the highest xid (ok is false when
// none do), used as a stand-in for "youngest" in
// the absence of true wall-clock transaction start times in the merged
// graph (spec §5: "aborts the youngest participating transaction on the
// local node").
func YoungestInCycle(cycle []gtid.GTID, localNode gtid.NodeID) (gtid.GTID, bool) {
	var youngest gtid.GTID
	found := false
	for _, g := range cycle {
		if g.Node != localNode {
			continue
		}
		if !found || g.Xid > youngest.Xid {
			youngest = g
			found = true
		}
	}
	return youngest, found
}

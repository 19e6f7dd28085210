// Package id provides the local transaction identifier generator each node
// uses to mint its own xid values (spec §3, gtid.GTID.Xid), reusing the
// teacher's HLC-derived ID scheme in place of its original job of minting
// autoincrement primary keys.
package id

import "github.com/maxpert/mtmcore/csn"

// Generator provides unique, roughly time-ordered local transaction
// identifiers.
type Generator interface {
	NextXID() uint64
}

// CSNGenerator generates xid values directly from a node's CSN allocator.
// AssignCSN already guarantees strict per-node monotonicity across
// concurrent callers (csn.Clock.AssignCSN, I2), so a raw CSN reading is by
// itself a valid, unique, monotonic local xid; no extra bit-packing of a
// node component is needed since the node component already lives in the
// gtid.GTID that wraps this value.
type CSNGenerator struct {
	clock *csn.Clock
}

// NewCSNGenerator creates an xid generator backed by clock.
func NewCSNGenerator(clock *csn.Clock) *CSNGenerator {
	return &CSNGenerator{clock: clock}
}

// NextXID mints a fresh local transaction identifier.
func (g *CSNGenerator) NextXID() uint64 {
	return uint64(g.clock.AssignCSN())
}

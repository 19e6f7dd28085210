package coordinator

import "github.com/maxpert/mtmcore/gtid"

// LiveSet is the coordinator's view of which nodes currently participate in
// voting, sourced from the arbiter's disabled-mask (spec §4.4: "a PREPARE
// succeeds iff every non-disabled node acknowledges").
type LiveSet interface {
	DisabledMask() uint64
	ConfigChangeCounter() uint64
	TotalNodes() int
}

// LiveParticipants returns every node other than self that is not currently
// disabled, in ascending node-ID order.
func LiveParticipants(live LiveSet, self gtid.NodeID) []gtid.NodeID {
	n := live.TotalNodes()
	disabled := live.DisabledMask()

	participants := make([]gtid.NodeID, 0, n)
	for i := 1; i <= n; i++ {
		node := gtid.NodeID(i)
		if node == self {
			continue
		}
		if disabled&node.Bit() != 0 {
			continue
		}
		participants = append(participants, node)
	}
	return participants
}

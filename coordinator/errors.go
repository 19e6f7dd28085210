package coordinator

import "fmt"

// QuorumNotAchievedError reports that a PREPARE round did not collect a YES
// vote from every live participant before its deadline (spec §4.4:
// "a PREPARE succeeds iff every non-disabled node acknowledges").
type QuorumNotAchievedError struct {
	GID           string
	VotesNeeded   int
	VotesReceived int
}

func (e *QuorumNotAchievedError) Error() string {
	return fmt.Sprintf("gid %s: prepare quorum not achieved: got %d of %d required votes",
		e.GID, e.VotesReceived, e.VotesNeeded)
}

// PrepareRefusedError reports an explicit ABORTED vote from a participant.
type PrepareRefusedError struct {
	GID    string
	Node   uint8
	Reason string
}

func (e *PrepareRefusedError) Error() string {
	return fmt.Sprintf("gid %s: node %d refused prepare: %s", e.GID, e.Node, e.Reason)
}

// PrepareTimeoutError reports that AWAITING VOTES exceeded its deadline
// without every live participant responding.
type PrepareTimeoutError struct {
	GID     string
	Timeout string
}

func (e *PrepareTimeoutError) Error() string {
	return fmt.Sprintf("gid %s: prepare timed out after %s", e.GID, e.Timeout)
}

// UnknownGIDError reports a PREPARE/COMMIT PREPARED/ABORT PREPARED message
// referencing a GID this node has no record of.
type UnknownGIDError struct {
	GID string
}

func (e *UnknownGIDError) Error() string {
	return fmt.Sprintf("no local transaction state for gid %s", e.GID)
}

// RecoveryInterlockError describes a PREPARE blocked because a donor
// wal-sender is in the almost-caught-up phase (spec §4.4, §4.6).
// CommitTransaction does not return it: it waits for the interlock to clear.
type RecoveryInterlockError struct {
	GID string
}

func (e *RecoveryInterlockError) Error() string {
	return fmt.Sprintf("gid %s: prepare blocked by recovery interlock", e.GID)
}

// Package txnstate implements the per-node transaction state table (spec
// §3, §4.2, component C2): a hash from XID to TransactionState threaded
// through a FIFO list for garbage collection, plus a secondary GID index
// for remote PREPARE/COMMIT PREPARED lookups.
package txnstate

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
)

// Status is one of the four states a TransactionState may hold (spec I3:
// Unknown may transition only to Committed or Aborted).
type Status int

const (
	InProgress Status = iota
	Unknown
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Unknown:
		return "unknown"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "invalid"
	}
}

// State is one TransactionState record, per spec §3. Fields mirror the
// specification verbatim; `next` is the unexported intrusive FIFO link used
// for O(1) append and sequential GC.
type State struct {
	mu sync.Mutex

	XID  uint64
	GTID gtid.GTID
	GID  gtid.GID

	Status   Status
	Snapshot csn.CSN
	CSN      csn.CSN

	// IsLocal is true iff this transaction must not be replicated.
	IsLocal bool

	VotesNeeded    int
	VotesReceived  int
	VotingComplete bool

	SubXIDs []uint64

	// WaiterProcNo identifies the local waiter to wake on vote completion;
	// modeled as a channel closed exactly once rather than a raw PID, since
	// Go goroutines have no stable numeric identity to publish.
	WaiterProcNo chan struct{}

	next *State
}

// SetStatus transitions the transaction to a new status under its own lock.
// It enforces I3: once Unknown, the only legal next states are Committed or
// Aborted.
func (s *State) SetStatus(next Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == Unknown && next != Committed && next != Aborted {
		log.Warn().
			Uint64("xid", s.XID).
			Str("from", s.Status.String()).
			Str("to", next.String()).
			Msg("txnstate: rejected illegal transition out of unknown")
		return
	}
	s.Status = next
}

func (s *State) snapshotLocked() State {
	return State{
		XID:      s.XID,
		GTID:     s.GTID,
		GID:      s.GID,
		Status:   s.Status,
		Snapshot: s.Snapshot,
		CSN:      s.CSN,
		IsLocal:  s.IsLocal,
	}
}

// Load returns a value copy of the record's externally-visible fields, safe
// to read without holding the table lock afterward.
func (s *State) Load() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// BeginPrepare records the freshly minted GID and the number of votes the
// coordinator must collect before AWAITING VOTES resolves, and arms a fresh
// completion latch (spec §4.4, PREPARE LOCAL -> AWAITING VOTES).
func (s *State) BeginPrepare(gid gtid.GID, votesNeeded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GID = gid
	s.VotesNeeded = votesNeeded
	s.VotesReceived = 0
	s.VotingComplete = false
	s.WaiterProcNo = make(chan struct{})
}

// RecordVote increments the received-vote count and reports whether every
// required vote is now in.
func (s *State) RecordVote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VotesReceived++
	return s.VotesReceived >= s.VotesNeeded
}

// ReduceVotesNeeded lowers the required-vote count by one, for use when a
// pending participant leaves the live set mid-vote (spec §4.4: "a node
// becoming disabled mid-vote does not block; the coordinator... re-evaluates").
// It reports whether the reduced target is now met.
func (s *State) ReduceVotesNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VotingComplete {
		return false
	}
	if s.VotesNeeded > 0 {
		s.VotesNeeded--
	}
	return s.VotesReceived >= s.VotesNeeded
}

// SetCSN records the transaction's final or locally assigned CSN.
func (s *State) SetCSN(c csn.CSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CSN = c
}

// Waiter returns the channel that closes once SignalVoteComplete fires for
// the current prepare round.
func (s *State) Waiter() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WaiterProcNo
}

// SignalVoteComplete wakes the coordinator waiting on this transaction's
// AWAITING-VOTES latch (spec §5, "coordinator... suspends on a per-
// transaction condition variable / latch until votes complete").
func (s *State) SignalVoteComplete() {
	s.mu.Lock()
	if s.VotingComplete {
		s.mu.Unlock()
		return
	}
	s.VotingComplete = true
	ch := s.WaiterProcNo
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Table is the per-node XID->State hash plus FIFO list and GID index (spec
// §4.2). One writer lock protects the hash and the list; the GID index is a
// lock-free concurrent map so read-mostly remote-message lookups never
// contend with the writer lock (grounded on the teacher's use of
// puzpuzpuz/xsync for hot read paths).
type Table struct {
	mu sync.RWMutex

	byXID map[uint64]*State
	head  *State // oldest, for GC
	tail  *State // newest, for O(1) append

	byGID *xsync.MapOf[gtid.GID, *State]
}

// NewTable constructs an empty transaction state table.
func NewTable() *Table {
	return &Table{
		byXID: make(map[uint64]*State),
		byGID: xsync.NewMapOf[gtid.GID, *State](),
	}
}

// ErrDuplicateXID is returned by Insert when a State already exists for XID
// (spec I1: at most one TransactionState per XID).
type ErrDuplicateXID struct{ XID uint64 }

func (e *ErrDuplicateXID) Error() string {
	return "txnstate: duplicate transaction state for xid"
}

// Insert adds a new State to the table, appending it to the tail of the
// FIFO list (I1). If s.GID is non-empty it is also indexed by GID.
func (t *Table) Insert(s *State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byXID[s.XID]; exists {
		return &ErrDuplicateXID{XID: s.XID}
	}

	t.byXID[s.XID] = s
	if t.tail == nil {
		t.head, t.tail = s, s
	} else {
		t.tail.next = s
		t.tail = s
	}
	if s.GID != "" {
		t.byGID.Store(s.GID, s)
	}
	return nil
}

// InsertSubXID registers a committed sub-transaction, inheriting the
// parent's status and CSN and inserted immediately after the parent so GC
// removes the family together (spec §3 "Lifecycle").
func (t *Table) InsertSubXID(parent *State, subXID uint64) *State {
	parentSnap := parent.Load()
	sub := &State{
		XID:      subXID,
		GTID:     gtid.GTID{Node: parentSnap.GTID.Node, Xid: subXID},
		Status:   parentSnap.Status,
		Snapshot: parentSnap.Snapshot,
		CSN:      parentSnap.CSN,
		IsLocal:  parentSnap.IsLocal,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byXID[subXID] = sub
	// Insert immediately after parent in list order.
	sub.next = parent.next
	parent.next = sub
	if t.tail == parent {
		t.tail = sub
	}
	parent.SubXIDs = append(parent.SubXIDs, subXID)
	return sub
}

// IndexGID registers s under its current GID, used once BeginPrepare mints a
// GID for a transaction that was inserted before one existed.
func (t *Table) IndexGID(s *State) {
	gid := s.Load().GID
	if gid == "" {
		return
	}
	t.byGID.Store(gid, s)
}

// Lookup returns the State for xid, or nil if none exists.
func (t *Table) Lookup(xid uint64) *State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byXID[xid]
}

// LookupGID returns the State for a textual GID, used when a remote
// PREPARE/COMMIT PREPARED message arrives referring only to the GID.
func (t *Table) LookupGID(gid gtid.GID) *State {
	s, _ := t.byGID.Load(gid)
	return s
}

// remove deletes xid's state from both indexes without altering the FIFO
// list; callers must only remove entries at the current GC cutoff (see GC).
func (t *Table) remove(s *State) {
	delete(t.byXID, s.XID)
	if s.GID != "" {
		t.byGID.Delete(s.GID)
	}
}

// Len returns the number of tracked transaction states.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byXID)
}

// GC walks the FIFO list from head, removing every record whose CSN is
// older than cutoff and which is not still in-progress or in-doubt (spec
// §3, "Lifecycle": removed once (a) CSN older than oldest-snapshot minus
// vacuum-delay, and (b) every node reports an oldest-snapshot at least that
// old — condition (b) is enforced by the caller choosing cutoff). GC stops
// at the first record younger than cutoff, matching the teacher's
// sequential-scan GC discipline (oldest records are always at the head).
func (t *Table) GC(cutoff csn.CSN) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for t.head != nil {
		s := t.head
		snap := s.Load()
		if snap.Status == InProgress || snap.Status == Unknown {
			break
		}
		if snap.CSN > cutoff {
			break
		}
		t.remove(s)
		t.head = s.next
		if t.head == nil {
			t.tail = nil
		}
		removed++
	}
	return removed
}

// OldestSnapshot returns the minimum Snapshot CSN among all still
// in-progress transactions, or ok=false if there are none. Used by C3's
// oldest-xmin computation.
func (t *Table) OldestSnapshot() (snap csn.CSN, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for s := t.head; s != nil; s = s.next {
		st := s.Load()
		if st.Status != InProgress {
			continue
		}
		if !ok || st.Snapshot < snap {
			snap = st.Snapshot
			ok = true
		}
	}
	return snap, ok
}

package recovery

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/wire"
)

// WALPosition reports this node's current write-ahead position, the source
// of truth a DonorSession compares against a recoverer's acknowledged
// position to compute lag.
type WALPosition interface {
	CurrentLSN() uint64
}

// DonorSession serves one recovering peer its single logical-replication
// channel (spec §4.6: "select one donor node and open a single logical-
// replication channel"). One session exists per concurrently recovering
// peer; a donor may serve more than one recoverer at once, each with its
// own session and gate entry.
type DonorSession struct {
	mu sync.Mutex

	peer   gtid.NodeID
	wal    WALPosition
	gate   *DonorGate
	writer *wire.StreamWriter
	log    zerolog.Logger

	minLag uint64
	maxLag uint64

	peerLSN uint64
}

// NewDonorSession constructs a session serving peer over writer, using wal
// to compute lag and gate to enforce the almost-caught-up interlock.
func NewDonorSession(peer gtid.NodeID, wal WALPosition, gate *DonorGate, writer *wire.StreamWriter, minLag, maxLag uint64, log zerolog.Logger) *DonorSession {
	return &DonorSession{
		peer:   peer,
		wal:    wal,
		gate:   gate,
		writer: writer,
		minLag: minLag,
		maxLag: maxLag,
		log:    log.With().Str("component", "recovery-donor").Uint8("peer", uint8(peer)).Logger(),
	}
}

// Send writes one record to the peer and updates the almost-caught-up gate
// from the record's own position, then reports whether the slot must be
// dropped (spec §4.6.4, lag exceeded max-recovery-lag).
func (d *DonorSession) Send(rec wire.StreamRecord) (drop bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec.Tag == wire.TagCommit && rec.Commit != nil {
		d.peerLSN = rec.Commit.EndLSN
	}

	if err := d.writer.Write(rec); err != nil {
		return false, fmt.Errorf("recovery: donor write to peer %d: %w", d.peer, err)
	}

	lag := d.lagLocked()
	switch {
	case lag > d.maxLag:
		d.gate.SetAlmostCaughtUp(d.peer, false)
		return true, &ErrMaxLagExceeded{Donor: d.peer, Lag: lag}
	case lag < d.minLag:
		d.gate.SetAlmostCaughtUp(d.peer, true)
	default:
		d.gate.SetAlmostCaughtUp(d.peer, false)
	}
	return false, nil
}

func (d *DonorSession) lagLocked() uint64 {
	current := d.wal.CurrentLSN()
	if current < d.peerLSN {
		return 0
	}
	return current - d.peerLSN
}

// Close releases the peer's wal-sender lock and closes the underlying
// stream writer.
func (d *DonorSession) Close() error {
	d.gate.SetAlmostCaughtUp(d.peer, false)
	return d.writer.Close()
}

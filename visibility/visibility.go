// Package visibility implements MVCC visibility against the transaction
// state table, including the in-doubt wait that makes distributed commit
// atomic for readers (spec §4.3, component C3).
package visibility

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/txnstate"
)

// Backoff parameters for the in-doubt wait (spec §4.3): start ~1ms, cap
// ~100ms, hard cap of ~100 retries.
const (
	initialBackoff = time.Millisecond
	maxBackoff     = 100 * time.Millisecond
	maxRetries     = 100
)

// ErrVisibilityExhausted is returned when an in-doubt transaction is still
// unresolved after maxRetries. Per spec §7/§9, this fails the reader's
// query; the in-doubt transaction itself is left untouched.
type ErrVisibilityExhausted struct {
	XID uint64
}

func (e *ErrVisibilityExhausted) Error() string {
	return fmt.Sprintf("failed to get status of xid %d", e.XID)
}

// Service answers visibility queries against a transaction state table. A
// small LRU caches the outcome for XIDs that have already resolved
// (committed or aborted), sparing the state-table lock on the hot read
// path once a transaction's fate is settled — resolved outcomes are
// immutable so the cache never needs invalidation.
type Service struct {
	table *txnstate.Table
	cache *lru.Cache[uint64, resolvedOutcome]

	// sleep is overridable in tests to avoid slow, timing-dependent suites.
	sleep func(context.Context, time.Duration) error
}

type resolvedOutcome struct {
	committed bool
	commitCSN csn.CSN
}

// NewService constructs a visibility Service backed by table, caching up to
// cacheSize resolved outcomes.
func NewService(table *txnstate.Table, cacheSize int) *Service {
	c, err := lru.New[uint64, resolvedOutcome](cacheSize)
	if err != nil {
		// Only returns an error for size <= 0; a fixed positive size never
		// fails, so this indicates a programming error.
		panic(err)
	}
	return &Service{table: table, cache: c, sleep: ctxSleep}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Visible reports whether xid's writes are visible to a reader holding
// snapshot (spec §4.3):
//   - CSN > snapshot, or status aborted -> invisible
//   - CSN <= snapshot and status committed -> visible
//   - status unknown -> wait with backoff and re-check, up to maxRetries
//   - no state at all -> the XID never existed on this node or has already
//     been GC'd past the caller's snapshot; per I6 that can only happen for
//     transactions already older than every held snapshot, so it is visible.
func (s *Service) Visible(ctx context.Context, xid uint64, snapshot csn.CSN) (bool, error) {
	if outcome, ok := s.cache.Get(xid); ok {
		if !outcome.committed {
			return false, nil
		}
		return outcome.commitCSN <= snapshot, nil
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		st := s.table.Lookup(xid)
		if st == nil {
			return true, nil
		}

		snap := st.Load()
		switch snap.Status {
		case txnstate.Committed:
			s.cache.Add(xid, resolvedOutcome{committed: true, commitCSN: snap.CSN})
			return snap.CSN <= snapshot, nil
		case txnstate.Aborted:
			s.cache.Add(xid, resolvedOutcome{committed: false})
			return false, nil
		case txnstate.Unknown:
			if attempt >= maxRetries {
				return false, &ErrVisibilityExhausted{XID: xid}
			}
			log.Trace().Uint64("xid", xid).Int("attempt", attempt).Msg("visibility: waiting on in-doubt transaction")
			if err := s.sleep(ctx, backoff); err != nil {
				return false, err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case txnstate.InProgress:
			// A transaction still building its write set is never visible
			// to any concurrent snapshot.
			return false, nil
		default:
			return false, fmt.Errorf("visibility: unknown status %v for xid %d", snap.Status, xid)
		}
	}
}

// NodeSnapshotSource reports a peer node's currently published
// oldest-snapshot, used by OldestXmin to compute the cluster-wide vacuum
// horizon.
type NodeSnapshotSource interface {
	NodeOldestSnapshots() map[uint8]csn.CSN
}

// OldestXmin computes the cluster-wide vacuum horizon (spec §4.3):
// starting from the local engine's xmin, lower it to the minimum of every
// node's reported oldest-snapshot minus vacuumDelay, so a snapshot taken on
// one node remains readable while any other node still references older
// tuples (I6).
func OldestXmin(localXmin csn.CSN, peers NodeSnapshotSource, vacuumDelay csn.CSN) csn.CSN {
	xmin := localXmin
	for _, snap := range peers.NodeOldestSnapshots() {
		adjusted := snap
		if adjusted >= vacuumDelay {
			adjusted -= vacuumDelay
		} else {
			adjusted = 0
		}
		if adjusted < xmin {
			xmin = adjusted
		}
	}
	return xmin
}

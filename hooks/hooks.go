// Package hooks defines the contract between the core and the host SQL
// engine (spec §9, "Callback-driven transaction hooks"). The host engine
// fires these at the transaction lifecycle events the coordinator needs to
// observe; the core never calls into engine internals directly.
package hooks

import "context"

// TransactionHooks is implemented by the host engine. Ordering contract:
//
//   - PrePrepare is called exactly once before any row-change record for
//     the transaction is emitted onto the replication transport.
//   - PostPrepare is called after the coordinator knows the vote outcome
//     (i.e. after AWAITING VOTES resolves, whether to COMMITTING or
//     ABORTING), before the corresponding Commit/Abort call.
//   - Commit and Abort finalize the transaction locally; exactly one of
//     them is called per transaction that reached PrePrepare.
type TransactionHooks interface {
	// PrePrepare is invoked once the coordinator decides to distribute the
	// transaction, before any writes reach the replication transport.
	PrePrepare(ctx context.Context, xid uint64) error

	// PostPrepare is invoked once the coordinator has a final vote outcome
	// for xid; committed reports whether that outcome was COMMITTING.
	PostPrepare(ctx context.Context, xid uint64, committed bool) error

	// Commit finalizes xid locally with its cluster-assigned commit CSN.
	Commit(ctx context.Context, xid uint64, commitCSN uint64) error

	// Abort finalizes xid locally as aborted.
	Abort(ctx context.Context, xid uint64) error
}

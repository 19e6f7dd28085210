package hooks

import "context"

// NoopHooks implements TransactionHooks by doing nothing at every callback.
// It lets this module's node process run standalone, without a host SQL
// engine attached, for smoke-testing the commit and membership core on its
// own.
type NoopHooks struct{}

func (NoopHooks) PrePrepare(ctx context.Context, xid uint64) error { return nil }

func (NoopHooks) PostPrepare(ctx context.Context, xid uint64, committed bool) error { return nil }

func (NoopHooks) Commit(ctx context.Context, xid uint64, commitCSN uint64) error { return nil }

func (NoopHooks) Abort(ctx context.Context, xid uint64) error { return nil }

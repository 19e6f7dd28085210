package coordinator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/maxpert/mtmcore/deadlock"
	"github.com/maxpert/mtmcore/gtid"
)

// WorkerPool bounds how many PREPARE applications this node processes at
// once (spec §5, cluster.worker_pool_size). A PREPARE that cannot acquire a
// slot within deadlockTimeout is assumed to be stuck behind an in-doubt
// cross-node transaction rather than merely queued behind ordinary load, and
// is recorded on graph as waiting on a synthetic pool holder so
// dump-lock-graph surfaces the stall the same way it would a row lock.
type WorkerPool struct {
	sem             chan struct{}
	deadlockTimeout time.Duration
	graph           *deadlock.Graph
	log             zerolog.Logger
}

// poolHolder is the wait-for edge's holder value for a task blocked on pool
// saturation. Node 0 never identifies a real transaction origin (gtid.NodeID
// is valid only in [1, gtid.MaxNodes]), so it cannot collide with an actual
// GTID.
var poolHolder = gtid.GTID{}

// NewWorkerPool constructs a pool with size concurrent slots. A size below 1
// is corrected to 1 so misconfiguration serializes PREPAREs rather than
// deadlocking the pool itself.
func NewWorkerPool(size int, deadlockTimeout time.Duration, graph *deadlock.Graph, log zerolog.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		sem:             make(chan struct{}, size),
		deadlockTimeout: deadlockTimeout,
		graph:           graph,
		log:             log.With().Str("component", "worker-pool").Logger(),
	}
}

// Submit runs fn once a slot is free, blocking the caller until then (the
// caller is the arbiter connection's read loop, so this is where the pool's
// backpressure reaches the wire). gid identifies the PREPARE being applied,
// used only to label the wait-for edge if the pool is saturated.
func (p *WorkerPool) Submit(gid gtid.GTID, fn func()) {
	timer := time.NewTimer(p.deadlockTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-timer.C:
		p.graph.SetWaiting(gid, poolHolder)
		p.log.Warn().Str("gid", gid.String()).Msg("apply worker pool saturated past deadlock timeout")
		p.sem <- struct{}{}
		p.graph.ClearWaiting(gid)
	}
	defer func() { <-p.sem }()

	fn()
}

// Package coordinator implements the two-phase commit state machines from
// spec §4.4 (component C4): the coordinator side that drives PRE-PREPARE
// through COMMITTING/ABORTING, and the participant (applier) side that
// answers PREPARE with READY/ABORTED and finalizes on COMMIT/ABORT PREPARED.
// It is grounded on the teacher's write_coordinator.go phase structure and
// quorum.go/lock_waiter.go polling idioms, generalized from the teacher's
// majority-of-alive-replicas quorum to this system's every-live-node
// quorum and CSN-proportional timeout.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/hooks"
	"github.com/maxpert/mtmcore/telemetry"
	"github.com/maxpert/mtmcore/txnstate"
	"github.com/maxpert/mtmcore/wire"
)

// Transport is the coordinator's outbound half of the arbiter channel.
type Transport interface {
	SendPrepare(ctx context.Context, to gtid.NodeID, msg wire.PrepareMsg) error
	SendCommit(ctx context.Context, to gtid.NodeID, msg wire.CommitMsg) error
	SendAbort(ctx context.Context, to gtid.NodeID, msg wire.AbortMsg) error
}

// RecoveryGate reports whether a donor's wal-sender is currently in the
// almost-caught-up phase, blocking new distributed commits (spec §4.4
// "Cluster lock interlock", §4.6).
type RecoveryGate interface {
	PrepareBlocked() bool
}

// Config bundles the coordinator's timing knobs (spec §6:
// min-2pc-timeout-ms, prepare-ratio).
type Config struct {
	Self         gtid.NodeID
	MinTimeout   time.Duration
	PrepareRatio int64 // percent, applied to (commitCSN0 - snapshot) microseconds
	PollInterval time.Duration
}

// Coordinator drives the coordinator-side 2PC state machine for
// transactions originated on this node.
type Coordinator struct {
	self         gtid.NodeID
	minTimeout   time.Duration
	prepareRatio int64
	pollInterval time.Duration

	table *txnstate.Table
	clock *csn.Clock
	live  LiveSet
	tport Transport
	hooks hooks.TransactionHooks
	gate  RecoveryGate
	log   zerolog.Logger

	mu        sync.Mutex
	inflights map[gtid.GID]*inflight
	faults    FaultInjector
}

// FaultInjector lets administrative tooling force a synthetic PREPARE
// failure, backing the inject-2pc-error testing operation (spec §6). A nil
// FaultInjector (the default) never intervenes.
type FaultInjector interface {
	ShouldFail(gid gtid.GTID) (bool, string)
}

// SetFaultInjector installs f as the coordinator's fault injector. Pass nil
// to clear it.
func (c *Coordinator) SetFaultInjector(f FaultInjector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = f
}

// inflight tracks the coordinator-side bookkeeping for one in-progress
// PREPARE round: which participants are still pending, the running maximum
// CSN across YES votes, and whether any participant refused.
type inflight struct {
	mu          sync.Mutex
	pending     map[gtid.NodeID]struct{}
	maxCSN      csn.CSN
	aborted     bool
	abortReason string
}

func newInflight(participants []gtid.NodeID, commitCSN0 csn.CSN) *inflight {
	pending := make(map[gtid.NodeID]struct{}, len(participants))
	for _, p := range participants {
		pending[p] = struct{}{}
	}
	return &inflight{pending: pending, maxCSN: commitCSN0}
}

// NewCoordinator wires a Coordinator to the collaborators it needs. gate may
// be nil, meaning the recovery interlock is never engaged (single-node or
// test configurations).
func NewCoordinator(cfg Config, table *txnstate.Table, clock *csn.Clock, live LiveSet, tport Transport, h hooks.TransactionHooks, gate RecoveryGate, log zerolog.Logger) *Coordinator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 20 * time.Millisecond
	}
	return &Coordinator{
		self:         cfg.Self,
		minTimeout:   cfg.MinTimeout,
		prepareRatio: cfg.PrepareRatio,
		pollInterval: pollInterval,
		table:        table,
		clock:        clock,
		live:         live,
		tport:        tport,
		hooks:        h,
		gate:         gate,
		log:          log.With().Str("component", "coordinator").Logger(),
		inflights:    make(map[gtid.GID]*inflight),
	}
}

// CommitTransaction drives xid through PRE-PREPARE, PREPARE LOCAL, AWAITING
// VOTES, and COMMITTING/ABORTING (spec §4.4).
func (c *Coordinator) CommitTransaction(ctx context.Context, s *txnstate.State) error {
	snap := s.Load()

	if snap.IsLocal {
		return c.commitLocal(ctx, s)
	}

	metrics := NewTxnMetrics()

	if err := c.hooks.PrePrepare(ctx, snap.XID); err != nil {
		return metrics.RecordOutcome("failed", fmt.Errorf("coordinator: pre-prepare hook: %w", err))
	}

	c.mu.Lock()
	faults := c.faults
	c.mu.Unlock()
	if faults != nil {
		if fail, reason := faults.ShouldFail(snap.GTID); fail {
			s.SetStatus(txnstate.Aborted)
			if err := c.hooks.Abort(ctx, snap.XID); err != nil {
				c.log.Warn().Err(err).Msg("abort hook failed after injected fault")
			}
			return metrics.RecordOutcome("aborted", fmt.Errorf("coordinator: injected fault: %s", reason))
		}
	}

	if err := c.waitForRecoveryGate(ctx); err != nil {
		s.SetStatus(txnstate.Aborted)
		if abortErr := c.hooks.Abort(context.WithoutCancel(ctx), snap.XID); abortErr != nil {
			c.log.Warn().Err(abortErr).Msg("abort hook failed after recovery-gate wait")
		}
		return metrics.RecordOutcome("failed", err)
	}

	commitCSN0 := c.clock.AssignCSN()
	gid := gtid.NewGID(snap.GTID)
	participants := LiveParticipants(c.live, c.self)

	s.BeginPrepare(gid, len(participants))
	c.table.IndexGID(s)

	infl := newInflight(participants, commitCSN0)
	c.mu.Lock()
	c.inflights[gid] = infl
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflights, gid)
		c.mu.Unlock()
	}()

	finish := func(err error) error {
		outcome := "committed"
		if err != nil {
			outcome = "aborted"
		}
		return metrics.RecordOutcome(outcome, err)
	}

	if len(participants) == 0 {
		return finish(c.finishCommit(ctx, s, infl))
	}

	msg := wire.PrepareMsg{GID: gid, GTID: snap.GTID, CommitCSN: commitCSN0}
	prepareStart := time.Now()
	for _, p := range participants {
		p := p
		go func() {
			if err := c.tport.SendPrepare(ctx, p, msg); err != nil {
				c.log.Debug().Err(err).Uint8("node", uint8(p)).Str("gid", string(gid)).
					Msg("prepare send failed, awaiting watchdog/timeout to resolve")
			}
		}()
	}

	timeout := c.prepareTimeout(commitCSN0, snap.Snapshot)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	configCounter := c.live.ConfigChangeCounter()

	for {
		select {
		case <-s.Waiter():
			telemetry.PrepareDurationSeconds.Observe(time.Since(prepareStart).Seconds())
			return finish(c.resolve(ctx, s, infl))
		case <-ctx.Done():
			return finish(c.doAbort(context.WithoutCancel(ctx), s, ctx.Err()))
		case <-timer.C:
			telemetry.PrepareDurationSeconds.Observe(time.Since(prepareStart).Seconds())
			telemetry.PrepareTimeoutsTotal.Inc()
			return finish(c.abortOnTimeout(ctx, s, infl, timeout))
		case <-ticker.C:
			if nc := c.live.ConfigChangeCounter(); nc != configCounter {
				configCounter = nc
				c.reconcileLiveSet(infl, s)
			}
		}
	}
}

// commitLocal finalizes a transaction that never leaves this node (spec
// §4.4 "Filtering"): its own gtid.node is self and it issued no replicated
// writes.
func (c *Coordinator) commitLocal(ctx context.Context, s *txnstate.State) error {
	snap := s.Load()
	finalCSN := c.clock.AssignCSN()
	s.SetCSN(finalCSN)
	s.SetStatus(txnstate.Committed)
	return c.hooks.Commit(ctx, snap.XID, uint64(finalCSN))
}

func (c *Coordinator) waitForRecoveryGate(ctx context.Context) error {
	if c.gate == nil || !c.gate.PrepareBlocked() {
		return nil
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !c.gate.PrepareBlocked() {
				return nil
			}
		}
	}
}

// prepareTimeout implements spec §4.4: max(min-2pc-timeout,
// (csn0 - snapshot) * prepare-ratio / 100). CSN values are wall-clock
// microseconds, so their difference is already a duration.
func (c *Coordinator) prepareTimeout(commitCSN0, snapshot csn.CSN) time.Duration {
	diff := int64(commitCSN0) - int64(snapshot)
	if diff < 0 {
		diff = 0
	}
	proportional := time.Duration(diff*c.prepareRatio/100) * time.Microsecond
	if proportional < c.minTimeout {
		return c.minTimeout
	}
	return proportional
}

func (c *Coordinator) resolve(ctx context.Context, s *txnstate.State, infl *inflight) error {
	infl.mu.Lock()
	aborted := infl.aborted
	reason := infl.abortReason
	infl.mu.Unlock()

	if aborted {
		telemetry.PrepareRefusalsTotal.Inc()
		snap := s.Load()
		return c.doAbort(ctx, s, &PrepareRefusedError{GID: string(snap.GID), Reason: reason})
	}
	return c.finishCommit(ctx, s, infl)
}

func (c *Coordinator) abortOnTimeout(ctx context.Context, s *txnstate.State, infl *inflight, timeout time.Duration) error {
	s.SignalVoteComplete()
	snap := s.Load()
	return c.doAbort(ctx, s, &PrepareTimeoutError{GID: string(snap.GID), Timeout: timeout.String()})
}

func (c *Coordinator) doAbort(ctx context.Context, s *txnstate.State, cause error) error {
	snap := s.Load()
	for _, p := range LiveParticipants(c.live, c.self) {
		p := p
		go func() {
			_ = c.tport.SendAbort(ctx, p, wire.AbortMsg{GID: snap.GID})
		}()
	}

	if err := c.hooks.PostPrepare(ctx, snap.XID, false); err != nil {
		c.log.Warn().Err(err).Str("gid", string(snap.GID)).Msg("post-prepare hook failed on abort")
	}
	s.SetStatus(txnstate.Aborted)
	if err := c.hooks.Abort(ctx, snap.XID); err != nil {
		return fmt.Errorf("coordinator: abort hook: %w", err)
	}
	return cause
}

func (c *Coordinator) finishCommit(ctx context.Context, s *txnstate.State, infl *inflight) error {
	infl.mu.Lock()
	finalCSN := infl.maxCSN
	infl.mu.Unlock()

	snap := s.Load()
	for _, p := range LiveParticipants(c.live, c.self) {
		p := p
		go func() {
			_ = c.tport.SendCommit(ctx, p, wire.CommitMsg{GID: snap.GID, FinalCSN: finalCSN})
		}()
	}

	if err := c.hooks.PostPrepare(ctx, snap.XID, true); err != nil {
		c.log.Warn().Err(err).Str("gid", string(snap.GID)).Msg("post-prepare hook failed on commit")
	}
	s.SetCSN(finalCSN)
	s.SetStatus(txnstate.Committed)
	return c.hooks.Commit(ctx, snap.XID, uint64(finalCSN))
}

// reconcileLiveSet drops participants that left the live set from a pending
// PREPARE round without waiting for their vote (spec §4.4: "a node becoming
// disabled mid-vote does not block").
func (c *Coordinator) reconcileLiveSet(infl *inflight, s *txnstate.State) {
	live := LiveParticipants(c.live, c.self)
	stillLive := make(map[gtid.NodeID]struct{}, len(live))
	for _, n := range live {
		stillLive[n] = struct{}{}
	}

	infl.mu.Lock()
	var dropped []gtid.NodeID
	for n := range infl.pending {
		if _, ok := stillLive[n]; !ok {
			dropped = append(dropped, n)
		}
	}
	for _, n := range dropped {
		delete(infl.pending, n)
	}
	infl.mu.Unlock()

	for range dropped {
		if s.ReduceVotesNeeded() {
			s.SignalVoteComplete()
		}
	}
}

// ReceiveReady records a participant's YES vote for gid.
func (c *Coordinator) ReceiveReady(from gtid.NodeID, msg *wire.ReadyMsg) {
	infl := c.lookupInflight(msg.GID)
	if infl == nil {
		return
	}
	s := c.table.LookupGID(msg.GID)
	if s == nil {
		return
	}

	infl.mu.Lock()
	_, wasPending := infl.pending[from]
	delete(infl.pending, from)
	if msg.ParticipantCSN > infl.maxCSN {
		infl.maxCSN = msg.ParticipantCSN
	}
	infl.mu.Unlock()

	// A redelivered READY from a participant already removed from pending
	// must not inflate VotesReceived past the count of distinct voters, or
	// it could satisfy the quorum without every live participant voting.
	if wasPending && s.RecordVote() {
		s.SignalVoteComplete()
	}
}

// ReceiveAborted records a participant's explicit refusal of gid.
func (c *Coordinator) ReceiveAborted(from gtid.NodeID, msg *wire.AbortedMsg) {
	infl := c.lookupInflight(msg.GID)
	if infl == nil {
		return
	}
	s := c.table.LookupGID(msg.GID)
	if s == nil {
		return
	}

	infl.mu.Lock()
	infl.aborted = true
	infl.abortReason = msg.Reason
	infl.mu.Unlock()

	s.SignalVoteComplete()
}

func (c *Coordinator) lookupInflight(gid gtid.GID) *inflight {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflights[gid]
}

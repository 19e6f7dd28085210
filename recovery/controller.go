// Package recovery implements the recovery controller (spec §4.6, component
// C6): a node booting into `recovery` status selects one donor, drains a
// single linear replication channel from it, and transitions back to normal
// participation once caught up, grounded on the teacher's staged catch-up
// client (grpc/catch_up.go) generalized from snapshot-file transfer to the
// spec's WAL-lag-threshold state machine.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/maxpert/mtmcore/clusterstatus"
	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/hooks"
	"github.com/maxpert/mtmcore/telemetry"
	"github.com/maxpert/mtmcore/txnstate"
	"github.com/maxpert/mtmcore/wire"
)

// Phase is the recovering node's position in the catch-up state machine
// (spec §4.6).
type Phase int

const (
	// PhaseSelecting is choosing a donor and opening its replication slot.
	PhaseSelecting Phase = iota
	// PhaseDraining is applying the donor's linear history with lag still
	// above min-recovery-lag.
	PhaseDraining
	// PhaseAlmostCaughtUp is draining with lag below min-recovery-lag; the
	// donor has locked out new local commits behind this slot.
	PhaseAlmostCaughtUp
	// PhaseCaughtUp means slot-lsn == wal-lsn and active-transactions == 0:
	// the node may rejoin normal participation (spec §4.6 edge case).
	PhaseCaughtUp
	// PhaseAborted means the slot exceeded max-recovery-lag and was dropped
	// by the donor; a full base copy is required (out of scope, spec §4.6.4).
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseSelecting:
		return "selecting"
	case PhaseDraining:
		return "draining"
	case PhaseAlmostCaughtUp:
		return "almost-caught-up"
	case PhaseCaughtUp:
		return "caught-up"
	case PhaseAborted:
		return "aborted"
	default:
		return "invalid"
	}
}

// DonorSource reports which nodes are currently eligible to serve as a
// recovery donor (spec §4.6: "select one donor node").
type DonorSource interface {
	Candidates() []gtid.NodeID
}

// Dialer opens the single logical-replication channel to a chosen donor,
// returning a reader over its linear stream.
type Dialer interface {
	Dial(ctx context.Context, donor gtid.NodeID) (*wire.StreamReader, error)
}

// SelfRegistry is the subset of arbiter.Registry the controller needs to
// hold its own bit in disabled-mask for the duration of recovery (I7) and
// release it once caught up.
type SelfRegistry interface {
	DisableNode(node gtid.NodeID)
	EnableNode(node gtid.NodeID)
}

// StatusReporter is the subset of arbiter.Detector the controller needs to
// pin the locally reported cluster status to Recovery for the duration of
// Run (spec §4.5, §4.6), satisfied structurally without importing arbiter.
type StatusReporter interface {
	SetForcedStatus(clusterstatus.Status)
	ClearForcedStatus()
}

// ErrMaxLagExceeded is returned when the donor's slot lag crosses
// max-recovery-lag and the slot is dropped (spec §4.6.4).
type ErrMaxLagExceeded struct {
	Donor gtid.NodeID
	Lag   uint64
}

func (e *ErrMaxLagExceeded) Error() string {
	return fmt.Sprintf("recovery: donor %d slot lag %d exceeds max-recovery-lag, base copy required", e.Donor, e.Lag)
}

// Config holds the recovery controller's numeric knobs (spec §6).
type Config struct {
	Self           gtid.NodeID
	MinRecoveryLag uint64 // bytes; below this the donor locks new local commits
	MaxRecoveryLag uint64 // bytes; above this the donor drops the slot
}

// Controller drives one recovering node's catch-up against a single donor.
type Controller struct {
	cfg    Config
	donors DonorSource
	dial   Dialer
	table  *txnstate.Table
	reg    SelfRegistry
	status StatusReporter
	hooks  hooks.TransactionHooks
	log    zerolog.Logger

	walLSN     uint64 // most recently observed donor wal position (from CommitRecord.EndLSN)
	slotLSN    uint64 // this node's applied position (from CommitRecord.CommitLSN)
	phase      Phase
	currentXID uint64 // xid of the transaction most recently opened by a BEGIN record
}

// New constructs a recovery Controller. status may be nil for a node with no
// detector to report through (e.g. in tests), in which case Run never forces
// a status.
func New(cfg Config, donors DonorSource, dial Dialer, table *txnstate.Table, reg SelfRegistry, status StatusReporter, h hooks.TransactionHooks, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		donors: donors,
		dial:   dial,
		table:  table,
		reg:    reg,
		status: status,
		hooks:  h,
		log:    log.With().Str("component", "recovery").Logger(),
		phase:  PhaseSelecting,
	}
}

// Phase returns the controller's current phase.
func (c *Controller) Phase() Phase {
	return c.phase
}

// Lag returns the most recently observed wal-lsn minus slot-lsn.
func (c *Controller) Lag() uint64 {
	if c.walLSN < c.slotLSN {
		return 0
	}
	return c.walLSN - c.slotLSN
}

// Run selects a donor and drains its stream until caught up, an
// unrecoverable slot drop, or ctx cancellation. Per I7, the node's own bit
// in disabled-mask is held for the duration and only cleared on
// PhaseCaughtUp.
func (c *Controller) Run(ctx context.Context) error {
	c.reg.DisableNode(c.cfg.Self)
	if c.status != nil {
		c.status.SetForcedStatus(clusterstatus.Recovery)
		defer c.status.ClearForcedStatus()
	}
	c.phase = PhaseSelecting

	candidates := c.donors.Candidates()
	if len(candidates) == 0 {
		return fmt.Errorf("recovery: no donor candidates available")
	}
	donor := candidates[0]

	reader, err := c.dial.Dial(ctx, donor)
	if err != nil {
		return fmt.Errorf("recovery: dial donor %d: %w", donor, err)
	}
	defer reader.Close()

	c.log.Info().Uint8("donor", uint8(donor)).Msg("recovery: opened donor slot")
	c.phase = PhaseDraining
	telemetry.RecoveryStatusTotal.With("started").Inc()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := reader.Next()
		if err != nil {
			return fmt.Errorf("recovery: read from donor %d: %w", donor, err)
		}

		if err := c.apply(rec); err != nil {
			return fmt.Errorf("recovery: apply record from donor %d: %w", donor, err)
		}

		lag := c.Lag()
		telemetry.RecoveryLagBytes.Observe(float64(lag))

		switch {
		case lag > c.cfg.MaxRecoveryLag:
			c.phase = PhaseAborted
			telemetry.RecoveryStatusTotal.With("aborted").Inc()
			return &ErrMaxLagExceeded{Donor: donor, Lag: lag}
		case lag < c.cfg.MinRecoveryLag:
			if c.phase != PhaseAlmostCaughtUp {
				c.phase = PhaseAlmostCaughtUp
				telemetry.RecoveryStatusTotal.With("almost-caught-up").Inc()
				c.log.Info().Uint64("lag", lag).Msg("recovery: almost caught up")
			}
		default:
			c.phase = PhaseDraining
		}

		if c.caughtUp() {
			c.phase = PhaseCaughtUp
			c.reg.EnableNode(c.cfg.Self)
			telemetry.RecoveryStatusTotal.With("caught-up").Inc()
			c.log.Info().Msg("recovery: caught up, rejoining normal participation")
			return nil
		}
	}
}

// caughtUp reports the spec §4.6 edge case exactly: slot-lsn == wal-lsn and
// no transaction still in progress on this node. Finished (committed or
// aborted) records left in the table do not count.
func (c *Controller) caughtUp() bool {
	_, active := c.table.OldestSnapshot()
	return c.slotLSN == c.walLSN && !active
}

func (c *Controller) apply(rec wire.StreamRecord) error {
	ctx := context.Background()
	switch rec.Tag {
	case wire.TagBegin:
		b := rec.Begin
		if b.Filtered() {
			return nil
		}
		s := &txnstate.State{
			XID:      b.OriginXid,
			GTID:     gtid.GTID{Node: b.OriginNode, Xid: b.OriginXid},
			Status:   txnstate.InProgress,
			Snapshot: b.Snapshot,
		}
		c.currentXID = b.OriginXid
		return c.table.Insert(s)
	case wire.TagCommit:
		return c.applyCommit(ctx, rec.Commit)
	case wire.TagRelation, wire.TagInsert, wire.TagUpdate, wire.TagDelete:
		// Row-level application is the host engine's responsibility; the
		// core only tracks transaction state and CSN bookkeeping.
		return nil
	default:
		return fmt.Errorf("recovery: unexpected stream record tag %q", rec.Tag)
	}
}

func (c *Controller) applyCommit(ctx context.Context, cr *wire.CommitRecord) error {
	c.walLSN = cr.EndLSN

	switch cr.Flag {
	case wire.CommitFlagCommit:
		s := c.table.Lookup(c.currentXID)
		if s != nil {
			if cr.HasFinalCSN {
				s.SetCSN(cr.FinalCSN)
			}
			s.SetStatus(txnstate.Committed)
			if err := c.hooks.Commit(ctx, s.Load().XID, uint64(cr.FinalCSN)); err != nil {
				return err
			}
		}
	case wire.CommitFlagCommitPrepared:
		if cr.HasGID {
			s := c.table.LookupGID(cr.GID)
			if s != nil {
				if cr.HasFinalCSN {
					s.SetCSN(cr.FinalCSN)
				}
				s.SetStatus(txnstate.Committed)
				if err := c.hooks.Commit(ctx, s.Load().XID, uint64(cr.FinalCSN)); err != nil {
					return err
				}
			}
		}
	case wire.CommitFlagAbortPrepared:
		if cr.HasGID {
			s := c.table.LookupGID(cr.GID)
			if s != nil {
				s.SetStatus(txnstate.Aborted)
				if err := c.hooks.Abort(ctx, s.Load().XID); err != nil {
					return err
				}
			}
		}
	}

	c.slotLSN = cr.CommitLSN
	return nil
}

// PollInterval is the default spacing between lag re-evaluations when a
// caller drives Run in a loop rather than a blocking stream read (kept as a
// named constant so callers share one tuning knob).
const PollInterval = 250 * time.Millisecond

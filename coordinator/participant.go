package coordinator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
	"github.com/maxpert/mtmcore/hooks"
	"github.com/maxpert/mtmcore/txnstate"
	"github.com/maxpert/mtmcore/wire"
)

// ParticipantTransport is the applier's outbound half of the arbiter
// channel: votes flow back to whichever node sent the PREPARE.
type ParticipantTransport interface {
	SendReady(ctx context.Context, to gtid.NodeID, msg wire.ReadyMsg) error
	SendAborted(ctx context.Context, to gtid.NodeID, msg wire.AbortedMsg) error
}

// Applier drives the participant-side state machine (spec §4.4, "At every
// non-coordinator (applier) side"): PREPARE -> PREPARED (vote READY) ->
// COMMITTED or ABORTED on the coordinator's final word.
type Applier struct {
	self  gtid.NodeID
	table *txnstate.Table
	clock *csn.Clock
	tport ParticipantTransport
	hooks hooks.TransactionHooks
	log   zerolog.Logger
}

// NewApplier wires an Applier to its collaborators.
func NewApplier(self gtid.NodeID, table *txnstate.Table, clock *csn.Clock, tport ParticipantTransport, h hooks.TransactionHooks, log zerolog.Logger) *Applier {
	return &Applier{
		self:  self,
		table: table,
		clock: clock,
		tport: tport,
		hooks: h,
		log:   log.With().Str("component", "applier").Logger(),
	}
}

// HandlePrepare processes an inbound PREPARE for a transaction previously
// created locally via BEGIN/replicated row records. A missing state means
// this node never saw the transaction's BEGIN and cannot vote yes.
func (a *Applier) HandlePrepare(ctx context.Context, from gtid.NodeID, msg *wire.PrepareMsg) {
	s := a.table.LookupGID(msg.GID)
	if s == nil {
		if err := a.tport.SendAborted(ctx, from, wire.AbortedMsg{GID: msg.GID, From: a.self, Reason: "unknown transaction"}); err != nil {
			a.log.Warn().Err(err).Str("gid", string(msg.GID)).Msg("failed to send aborted vote")
		}
		return
	}

	if status := s.Load().Status; status == txnstate.Committed || status == txnstate.Aborted {
		// R2: a redelivered PREPARE after the transaction already reached a
		// terminal status is a no-op, not a re-vote (spec §8, seed scenario 4).
		return
	}

	localCSN := a.clock.AssignCSN()
	s.SetCSN(localCSN)
	s.SetStatus(txnstate.Unknown)

	snap := s.Load()
	if err := a.hooks.PrePrepare(ctx, snap.XID); err != nil {
		if sendErr := a.tport.SendAborted(ctx, from, wire.AbortedMsg{GID: msg.GID, From: a.self, Reason: err.Error()}); sendErr != nil {
			a.log.Warn().Err(sendErr).Str("gid", string(msg.GID)).Msg("failed to send aborted vote")
		}
		return
	}

	if err := a.tport.SendReady(ctx, from, wire.ReadyMsg{GID: msg.GID, From: a.self, ParticipantCSN: localCSN}); err != nil {
		a.log.Warn().Err(err).Str("gid", string(msg.GID)).Msg("failed to send ready vote")
	}
}

// HandleCommitPrepared finalizes a PREPARED transaction as COMMITTED,
// syncing the local clock to the coordinator's chosen final CSN (I4).
func (a *Applier) HandleCommitPrepared(ctx context.Context, msg *wire.CommitMsg) {
	s := a.table.LookupGID(msg.GID)
	if s == nil {
		a.log.Warn().Str("gid", string(msg.GID)).Msg("commit prepared for unknown gid")
		return
	}

	if status := s.Load().Status; status == txnstate.Committed || status == txnstate.Aborted {
		return
	}

	a.clock.Sync(msg.FinalCSN)
	s.SetCSN(msg.FinalCSN)
	s.SetStatus(txnstate.Committed)

	if err := a.hooks.Commit(ctx, s.Load().XID, uint64(msg.FinalCSN)); err != nil {
		a.log.Warn().Err(err).Str("gid", string(msg.GID)).Msg("commit hook failed")
	}
}

// HandleAbortPrepared finalizes a PREPARED transaction as ABORTED.
func (a *Applier) HandleAbortPrepared(ctx context.Context, msg *wire.AbortMsg) {
	s := a.table.LookupGID(msg.GID)
	if s == nil {
		a.log.Warn().Str("gid", string(msg.GID)).Msg("abort prepared for unknown gid")
		return
	}

	if status := s.Load().Status; status == txnstate.Committed || status == txnstate.Aborted {
		return
	}

	s.SetStatus(txnstate.Aborted)
	if err := a.hooks.Abort(ctx, s.Load().XID); err != nil {
		a.log.Warn().Err(err).Str("gid", string(msg.GID)).Msg("abort hook failed")
	}
}

// Package wire defines the byte-level contracts of the two channels the
// core owns (spec §6): the arbiter channel (PREPARE/READY/ABORTED/COMMIT/
// ABORT/HEARTBEAT) and the row-level framing carried over the external
// logical-replication transport (BEGIN/COMMIT/RELATION/INSERT/UPDATE/
// DELETE with a tuple block). Arbiter messages are encoded with msgpack,
// matching the teacher's use of vmihailenco/msgpack for its own compact
// inter-node payloads.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
)

// MessageKind discriminates the arbiter-channel message types.
type MessageKind uint8

const (
	KindPrepare MessageKind = iota + 1
	KindReady
	KindAborted
	KindCommit
	KindAbort
	KindHeartbeat
)

// ArbiterMessage is the envelope for every message the arbiter channel
// carries between coordinator and participants. Exactly one of the typed
// payload fields is populated, selected by Kind.
type ArbiterMessage struct {
	Kind MessageKind

	Prepare   *PrepareMsg   `msgpack:",omitempty"`
	Ready     *ReadyMsg     `msgpack:",omitempty"`
	Aborted   *AbortedMsg   `msgpack:",omitempty"`
	Commit    *CommitMsg    `msgpack:",omitempty"`
	Abort     *AbortMsg     `msgpack:",omitempty"`
	Heartbeat *HeartbeatMsg `msgpack:",omitempty"`
}

// PrepareMsg: coordinator -> all live participants.
type PrepareMsg struct {
	GID       gtid.GID
	GTID      gtid.GTID
	CommitCSN csn.CSN
}

// ReadyMsg: participant -> coordinator on successful prepare.
type ReadyMsg struct {
	GID            gtid.GID
	From           gtid.NodeID
	ParticipantCSN csn.CSN
}

// AbortedMsg: participant -> coordinator on refusal.
type AbortedMsg struct {
	GID    gtid.GID
	From   gtid.NodeID
	Reason string
}

// CommitMsg: coordinator -> participants. Recovering is carried on the wire
// to distinguish a caught-up-stream replay from a normal live commit, but no
// sender in this module sets it, so it is always false.
type CommitMsg struct {
	GID        gtid.GID
	FinalCSN   csn.CSN
	Recovering bool
}

// AbortMsg: coordinator -> participants.
type AbortMsg struct {
	GID gtid.GID
}

// HeartbeatMsg: any -> any, carrying a node's timestamp and connectivity
// mask (spec §4.5).
type HeartbeatMsg struct {
	NodeID    gtid.NodeID
	Timestamp int64 // wall-clock microseconds
	Mask      uint64
}

func envelope(kind MessageKind) ArbiterMessage {
	return ArbiterMessage{Kind: kind}
}

// NewPrepare wraps a PREPARE payload in its envelope.
func NewPrepare(m PrepareMsg) ArbiterMessage {
	e := envelope(KindPrepare)
	e.Prepare = &m
	return e
}

// NewReady wraps a READY payload in its envelope.
func NewReady(m ReadyMsg) ArbiterMessage {
	e := envelope(KindReady)
	e.Ready = &m
	return e
}

// NewAborted wraps an ABORTED payload in its envelope.
func NewAborted(m AbortedMsg) ArbiterMessage {
	e := envelope(KindAborted)
	e.Aborted = &m
	return e
}

// NewCommit wraps a COMMIT payload in its envelope.
func NewCommit(m CommitMsg) ArbiterMessage {
	e := envelope(KindCommit)
	e.Commit = &m
	return e
}

// NewAbort wraps an ABORT payload in its envelope.
func NewAbort(m AbortMsg) ArbiterMessage {
	e := envelope(KindAbort)
	e.Abort = &m
	return e
}

// NewHeartbeat wraps a HEARTBEAT payload in its envelope.
func NewHeartbeat(m HeartbeatMsg) ArbiterMessage {
	e := envelope(KindHeartbeat)
	e.Heartbeat = &m
	return e
}

// MarshalBinary encodes the message with msgpack for transmission on the
// arbiter socket.
func (m ArbiterMessage) MarshalBinary() ([]byte, error) {
	// plain has ArbiterMessage's fields but not its MarshalBinary method, so
	// msgpack encodes the struct instead of calling back into this method.
	type plain ArbiterMessage
	return msgpack.Marshal(plain(m))
}

// UnmarshalArbiterMessage decodes a message previously produced by
// MarshalBinary and validates that its Kind matches a populated payload.
func UnmarshalArbiterMessage(data []byte) (ArbiterMessage, error) {
	var m ArbiterMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return ArbiterMessage{}, fmt.Errorf("wire: decode arbiter message: %w", err)
	}
	if err := m.validate(); err != nil {
		return ArbiterMessage{}, err
	}
	return m, nil
}

func (m ArbiterMessage) validate() error {
	switch m.Kind {
	case KindPrepare:
		if m.Prepare == nil {
			return fmt.Errorf("wire: PREPARE envelope missing payload")
		}
	case KindReady:
		if m.Ready == nil {
			return fmt.Errorf("wire: READY envelope missing payload")
		}
	case KindAborted:
		if m.Aborted == nil {
			return fmt.Errorf("wire: ABORTED envelope missing payload")
		}
	case KindCommit:
		if m.Commit == nil {
			return fmt.Errorf("wire: COMMIT envelope missing payload")
		}
	case KindAbort:
		if m.Abort == nil {
			return fmt.Errorf("wire: ABORT envelope missing payload")
		}
	case KindHeartbeat:
		if m.Heartbeat == nil {
			return fmt.Errorf("wire: HEARTBEAT envelope missing payload")
		}
	default:
		return fmt.Errorf("wire: unknown message kind %d", m.Kind)
	}
	return nil
}

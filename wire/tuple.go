package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
)

// RecordTag identifies a record on the replication transport's byte stream
// (spec §6).
type RecordTag byte

const (
	TagBegin    RecordTag = 'B'
	TagCommit   RecordTag = 'C'
	TagRelation RecordTag = 'R'
	TagInsert   RecordTag = 'I'
	TagUpdate   RecordTag = 'U'
	TagDelete   RecordTag = 'D'
)

// CommitFlag distinguishes the four outcomes a 'C' record can carry.
type CommitFlag byte

const (
	CommitFlagCommit CommitFlag = iota
	CommitFlagPrepare
	CommitFlagCommitPrepared
	CommitFlagAbortPrepared
)

// InvalidCSN marks a BEGIN record for a filtered (read-only or local-only)
// transaction: spec §6, "A BEGIN with an invalid CSN and no recovery flag
// MUST be dropped by the output side".
const InvalidCSN csn.CSN = 0

// BeginRecord is the 'B' record: originator node id, origin xid, snapshot
// CSN.
type BeginRecord struct {
	OriginNode gtid.NodeID
	OriginXid  uint64
	Snapshot   csn.CSN
	// Recovering marks that this BEGIN flows through a recovery donor
	// stream, per SPEC_FULL's resolution of the "caught-up flag" open
	// question: only set while the sender is itself in recovery status.
	Recovering bool
}

// Filtered reports whether this BEGIN must be dropped by the output side
// (invalid CSN and not part of a recovery stream).
func (b BeginRecord) Filtered() bool {
	return b.Snapshot == InvalidCSN && !b.Recovering
}

// CommitRecord is the 'C' record.
type CommitRecord struct {
	Flag        CommitFlag
	OriginNode  gtid.NodeID
	Recovering  bool // caught-up flag: true only while sent from a recovering node's stream
	EndLSN      uint64
	CommitLSN   uint64
	CommitTime  int64 // wall-clock microseconds
	HasFinalCSN bool
	FinalCSN    csn.CSN
	HasGID      bool
	GID         gtid.GID
}

// RelationRecord is the 'R' record.
type RelationRecord struct {
	Schema   string
	Relation string
}

// TupleAttrKind is the 1-byte kind tag preceding each attribute in a tuple
// block.
type TupleAttrKind byte

const (
	AttrNull           TupleAttrKind = 'n'
	AttrUnchangedTOAST TupleAttrKind = 'u'
	AttrBinaryInternal TupleAttrKind = 'b'
	AttrBinarySendRecv TupleAttrKind = 's'
	AttrText           TupleAttrKind = 't'
)

// Attr is one column value within a tuple block.
type Attr struct {
	Kind  TupleAttrKind
	Value []byte // unused (nil) when Kind is AttrNull or AttrUnchangedTOAST
}

// Tuple is the row-change payload carried by I/U/D records: a 2-byte
// live-attribute count followed by the attributes themselves.
type Tuple struct {
	Attrs []Attr
}

// RowRecord is the shared shape of I/U/D records: a tag plus one or two
// tuple blocks (UPDATE carries both old-key and new-value tuples when a key
// column changed; INSERT/DELETE carry exactly one).
type RowRecord struct {
	Tag    RecordTag
	Old    *Tuple // present for UPDATE (when replica identity requires it) and DELETE
	New    *Tuple // present for INSERT and UPDATE
}

// EncodeTuple serializes a Tuple using the length-prefixed framing from
// spec §6: 2-byte live-attribute count, then per attribute a 1-byte kind
// followed by length-prefixed bytes where the kind requires a value.
func EncodeTuple(t Tuple) []byte {
	buf := make([]byte, 2, 2+len(t.Attrs)*8)
	binary.BigEndian.PutUint16(buf, uint16(len(t.Attrs)))

	for _, a := range t.Attrs {
		buf = append(buf, byte(a.Kind))
		switch a.Kind {
		case AttrNull, AttrUnchangedTOAST:
			// No value bytes.
		default:
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(a.Value)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, a.Value...)
		}
	}
	return buf
}

// DecodeTuple is the inverse of EncodeTuple (round-trip property R1).
func DecodeTuple(data []byte) (Tuple, error) {
	if len(data) < 2 {
		return Tuple{}, fmt.Errorf("wire: tuple block too short")
	}
	count := binary.BigEndian.Uint16(data)
	data = data[2:]

	attrs := make([]Attr, 0, count)
	for i := uint16(0); i < count; i++ {
		if len(data) < 1 {
			return Tuple{}, fmt.Errorf("wire: truncated tuple block at attribute %d", i)
		}
		kind := TupleAttrKind(data[0])
		data = data[1:]

		switch kind {
		case AttrNull, AttrUnchangedTOAST:
			attrs = append(attrs, Attr{Kind: kind})
		case AttrBinaryInternal, AttrBinarySendRecv, AttrText:
			if len(data) < 4 {
				return Tuple{}, fmt.Errorf("wire: truncated attribute length at attribute %d", i)
			}
			n := binary.BigEndian.Uint32(data)
			data = data[4:]
			if uint32(len(data)) < n {
				return Tuple{}, fmt.Errorf("wire: truncated attribute value at attribute %d", i)
			}
			val := make([]byte, n)
			copy(val, data[:n])
			data = data[n:]
			attrs = append(attrs, Attr{Kind: kind, Value: val})
		default:
			return Tuple{}, fmt.Errorf("wire: unknown attribute kind %q", kind)
		}
	}
	return Tuple{Attrs: attrs}, nil
}

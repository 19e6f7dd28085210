package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/maxpert/mtmcore/csn"
	"github.com/maxpert/mtmcore/gtid"
)

// StreamRecord is one record on the linear replication/catch-up stream
// (spec §6): exactly one of the typed payload fields is populated,
// discriminated by Tag. Unlike ArbiterMessage this stream is not msgpack;
// it uses the byte-level framing spec §6 specifies explicitly, matching
// EncodeTuple/DecodeTuple's existing discipline.
type StreamRecord struct {
	Tag      RecordTag
	Begin    *BeginRecord
	Commit   *CommitRecord
	Relation *RelationRecord
	Row      *RowRecord
}

func putBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeBegin(b BeginRecord) []byte {
	buf := make([]byte, 0, 18)
	buf = append(buf, byte(b.OriginNode))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], b.OriginXid)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(b.Snapshot))
	buf = append(buf, u64[:]...)
	buf = append(buf, putBool(b.Recovering))
	return buf
}

func decodeBegin(data []byte) (BeginRecord, error) {
	if len(data) < 18 {
		return BeginRecord{}, fmt.Errorf("wire: truncated BEGIN record")
	}
	return BeginRecord{
		OriginNode: gtid.NodeID(data[0]),
		OriginXid:  binary.BigEndian.Uint64(data[1:9]),
		Snapshot:   csn.CSN(binary.BigEndian.Uint64(data[9:17])),
		Recovering: data[17] != 0,
	}, nil
}

func encodeCommit(c CommitRecord) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(c.Flag), byte(c.OriginNode), putBool(c.Recovering))
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], c.EndLSN)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], c.CommitLSN)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(c.CommitTime))
	buf = append(buf, u64[:]...)
	buf = append(buf, putBool(c.HasFinalCSN))
	binary.BigEndian.PutUint64(u64[:], uint64(c.FinalCSN))
	buf = append(buf, u64[:]...)
	buf = append(buf, putBool(c.HasGID))
	gidBytes := []byte(c.GID)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(gidBytes)))
	buf = append(buf, u16[:]...)
	buf = append(buf, gidBytes...)
	return buf
}

func decodeCommit(data []byte) (CommitRecord, error) {
	if len(data) < 36 {
		return CommitRecord{}, fmt.Errorf("wire: truncated COMMIT record")
	}
	c := CommitRecord{
		Flag:        CommitFlag(data[0]),
		OriginNode:  gtid.NodeID(data[1]),
		Recovering:  data[2] != 0,
		EndLSN:      binary.BigEndian.Uint64(data[3:11]),
		CommitLSN:   binary.BigEndian.Uint64(data[11:19]),
		CommitTime:  int64(binary.BigEndian.Uint64(data[19:27])),
		HasFinalCSN: data[27] != 0,
		FinalCSN:    csn.CSN(binary.BigEndian.Uint64(data[28:36])),
	}
	rest := data[36:]
	if len(rest) < 3 {
		return CommitRecord{}, fmt.Errorf("wire: truncated COMMIT record gid header")
	}
	c.HasGID = rest[0] != 0
	gidLen := binary.BigEndian.Uint16(rest[1:3])
	rest = rest[3:]
	if uint16(len(rest)) < gidLen {
		return CommitRecord{}, fmt.Errorf("wire: truncated COMMIT record gid body")
	}
	c.GID = gtid.GID(rest[:gidLen])
	return c, nil
}

func encodeRelation(r RelationRecord) []byte {
	buf := make([]byte, 0, 4+len(r.Schema)+len(r.Relation))
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(r.Schema)))
	buf = append(buf, u16[:]...)
	buf = append(buf, r.Schema...)
	binary.BigEndian.PutUint16(u16[:], uint16(len(r.Relation)))
	buf = append(buf, u16[:]...)
	buf = append(buf, r.Relation...)
	return buf
}

func decodeRelation(data []byte) (RelationRecord, error) {
	if len(data) < 2 {
		return RelationRecord{}, fmt.Errorf("wire: truncated RELATION record")
	}
	n := binary.BigEndian.Uint16(data)
	data = data[2:]
	if uint16(len(data)) < n {
		return RelationRecord{}, fmt.Errorf("wire: truncated RELATION schema")
	}
	schema := string(data[:n])
	data = data[n:]
	if len(data) < 2 {
		return RelationRecord{}, fmt.Errorf("wire: truncated RELATION record")
	}
	n = binary.BigEndian.Uint16(data)
	data = data[2:]
	if uint16(len(data)) < n {
		return RelationRecord{}, fmt.Errorf("wire: truncated RELATION name")
	}
	return RelationRecord{Schema: schema, Relation: string(data[:n])}, nil
}

func encodeRow(r RowRecord) []byte {
	var buf []byte
	buf = append(buf, putBool(r.Old != nil))
	if r.Old != nil {
		buf = append(buf, EncodeTuple(*r.Old)...)
	}
	buf = append(buf, putBool(r.New != nil))
	if r.New != nil {
		buf = append(buf, EncodeTuple(*r.New)...)
	}
	return buf
}

func decodeRow(tag RecordTag, data []byte) (RowRecord, error) {
	if len(data) < 1 {
		return RowRecord{}, fmt.Errorf("wire: truncated row record")
	}
	r := RowRecord{Tag: tag}
	hasOld := data[0] != 0
	data = data[1:]
	if hasOld {
		t, n, err := decodeTupleWithLen(data)
		if err != nil {
			return RowRecord{}, err
		}
		r.Old = &t
		data = data[n:]
	}
	if len(data) < 1 {
		return RowRecord{}, fmt.Errorf("wire: truncated row record new-flag")
	}
	hasNew := data[0] != 0
	data = data[1:]
	if hasNew {
		t, _, err := decodeTupleWithLen(data)
		if err != nil {
			return RowRecord{}, err
		}
		r.New = &t
	}
	return r, nil
}

// decodeTupleWithLen decodes one length-prefixed tuple block and reports how
// many bytes of data it consumed, so callers can locate the next field.
func decodeTupleWithLen(data []byte) (Tuple, int, error) {
	if len(data) < 2 {
		return Tuple{}, 0, fmt.Errorf("wire: tuple block too short")
	}
	count := binary.BigEndian.Uint16(data)
	pos := 2
	for i := uint16(0); i < count; i++ {
		if len(data) < pos+1 {
			return Tuple{}, 0, fmt.Errorf("wire: truncated tuple block at attribute %d", i)
		}
		kind := TupleAttrKind(data[pos])
		pos++
		switch kind {
		case AttrNull, AttrUnchangedTOAST:
		default:
			if len(data) < pos+4 {
				return Tuple{}, 0, fmt.Errorf("wire: truncated attribute length at attribute %d", i)
			}
			n := binary.BigEndian.Uint32(data[pos:])
			pos += 4 + int(n)
			if len(data) < pos {
				return Tuple{}, 0, fmt.Errorf("wire: truncated attribute value at attribute %d", i)
			}
		}
	}
	t, err := DecodeTuple(data[:pos])
	return t, pos, err
}

// EncodeStreamRecord frames r as a tag byte, a big-endian uint32 body
// length, and the body itself.
func EncodeStreamRecord(r StreamRecord) ([]byte, error) {
	var body []byte
	switch r.Tag {
	case TagBegin:
		if r.Begin == nil {
			return nil, fmt.Errorf("wire: BEGIN stream record missing payload")
		}
		body = encodeBegin(*r.Begin)
	case TagCommit:
		if r.Commit == nil {
			return nil, fmt.Errorf("wire: COMMIT stream record missing payload")
		}
		body = encodeCommit(*r.Commit)
	case TagRelation:
		if r.Relation == nil {
			return nil, fmt.Errorf("wire: RELATION stream record missing payload")
		}
		body = encodeRelation(*r.Relation)
	case TagInsert, TagUpdate, TagDelete:
		if r.Row == nil {
			return nil, fmt.Errorf("wire: row stream record missing payload")
		}
		body = encodeRow(*r.Row)
	default:
		return nil, fmt.Errorf("wire: unknown stream record tag %q", r.Tag)
	}

	out := make([]byte, 5+len(body))
	out[0] = byte(r.Tag)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out, nil
}

// DecodeStreamRecord decodes exactly one frame previously produced by
// EncodeStreamRecord from the front of data, returning the record and the
// number of bytes consumed.
func DecodeStreamRecord(data []byte) (StreamRecord, int, error) {
	if len(data) < 5 {
		return StreamRecord{}, 0, fmt.Errorf("wire: truncated stream record header")
	}
	tag := RecordTag(data[0])
	n := binary.BigEndian.Uint32(data[1:5])
	total := 5 + int(n)
	if len(data) < total {
		return StreamRecord{}, 0, fmt.Errorf("wire: truncated stream record body")
	}
	body := data[5:total]

	var r StreamRecord
	r.Tag = tag
	var err error
	switch tag {
	case TagBegin:
		var b BeginRecord
		b, err = decodeBegin(body)
		r.Begin = &b
	case TagCommit:
		var c CommitRecord
		c, err = decodeCommit(body)
		r.Commit = &c
	case TagRelation:
		var rel RelationRecord
		rel, err = decodeRelation(body)
		r.Relation = &rel
	case TagInsert, TagUpdate, TagDelete:
		var row RowRecord
		row, err = decodeRow(tag, body)
		r.Row = &row
	default:
		err = fmt.Errorf("wire: unknown stream record tag %q", tag)
	}
	if err != nil {
		return StreamRecord{}, 0, err
	}
	return r, total, nil
}

// StreamReader decodes a zstd-compressed sequence of framed StreamRecords
// from an underlying io.Reader, matching the teacher's use of
// klauspost/compress for its own delta-sync payloads (grpc/catch_up.go).
type StreamReader struct {
	zr  *zstd.Decoder
	buf *bufio.Reader
}

// NewStreamReader wraps r with zstd decompression for reading a donor's
// catch-up/replication stream.
func NewStreamReader(r io.Reader) (*StreamReader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("wire: open zstd stream reader: %w", err)
	}
	return &StreamReader{zr: zr, buf: bufio.NewReader(zr)}, nil
}

// Next reads and decodes the next StreamRecord frame.
func (s *StreamReader) Next() (StreamRecord, error) {
	tagByte, err := s.buf.ReadByte()
	if err != nil {
		return StreamRecord{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.buf, lenBuf[:]); err != nil {
		return StreamRecord{}, fmt.Errorf("wire: read stream record length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(s.buf, body); err != nil {
		return StreamRecord{}, fmt.Errorf("wire: read stream record body: %w", err)
	}

	frame := make([]byte, 5+n)
	frame[0] = tagByte
	copy(frame[1:5], lenBuf[:])
	copy(frame[5:], body)
	rec, _, err := DecodeStreamRecord(frame)
	return rec, err
}

// Close releases the zstd decoder.
func (s *StreamReader) Close() {
	s.zr.Close()
}

// StreamWriter compresses a sequence of framed StreamRecords onto an
// underlying io.Writer, used by a donor node serving a recovering peer.
type StreamWriter struct {
	zw *zstd.Encoder
}

// NewStreamWriter wraps w with zstd compression for writing a catch-up/
// replication stream.
func NewStreamWriter(w io.Writer) (*StreamWriter, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("wire: open zstd stream writer: %w", err)
	}
	return &StreamWriter{zw: zw}, nil
}

// Write encodes and flushes one StreamRecord.
func (s *StreamWriter) Write(r StreamRecord) error {
	frame, err := EncodeStreamRecord(r)
	if err != nil {
		return err
	}
	if _, err := s.zw.Write(frame); err != nil {
		return err
	}
	return s.zw.Flush()
}

// Close flushes and releases the zstd encoder.
func (s *StreamWriter) Close() error {
	return s.zw.Close()
}

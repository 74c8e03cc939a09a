// Package codec encodes and decodes TimeLoop entities to and from
// bytes in one of the two formats spec §4.1 recognises: a
// human-readable text_json form and a compact tagged-binary form. Both
// codecs are pure — no I/O — so the kv package can treat either one
// interchangeably.
//
// The compact_binary wire format is a sequence of tag/length/value
// (TLV) triples, the same shape the teacher's k4.go uses for its own
// WAL operations (encodeOp/decodeOp: an op code, then length-prefixed
// key and value). TLV lets a decoder skip tags it doesn't recognise
// instead of failing, which is the forward-compatibility contract
// spec §4.1 requires.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/guycipher/timeloop/errs"
	"github.com/guycipher/timeloop/event"
)

// Format selects the wire representation.
type Format int

const (
	FormatTextJSON Format = iota
	FormatCompactBinary
)

func (f Format) String() string {
	if f == FormatCompactBinary {
		return "compact_binary"
	}
	return "text_json"
}

// ParseFormat parses the persisted meta/persistence_format value.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text_json":
		return FormatTextJSON, nil
	case "compact_binary":
		return FormatCompactBinary, nil
	default:
		return 0, fmt.Errorf("%w: unrecognised persistence format %q", errs.FormatMismatch, s)
	}
}

// Codec converts entities to and from bytes in one configured format.
type Codec interface {
	Format() Format
	EncodeEvent(e *event.Event) ([]byte, error)
	DecodeEvent(data []byte) (*event.Event, error)
	EncodeSession(s *event.Session) ([]byte, error)
	DecodeSession(data []byte) (*event.Session, error)
	EncodeBranch(b *event.BranchRecord) ([]byte, error)
	DecodeBranch(data []byte) (*event.BranchRecord, error)
}

// New returns the Codec for the given format.
func New(f Format) Codec {
	if f == FormatCompactBinary {
		return binaryCodec{}
	}
	return jsonCodec{}
}

// ---- text_json ----

type jsonCodec struct{}

func (jsonCodec) Format() Format { return FormatTextJSON }

func (jsonCodec) EncodeEvent(e *event.Event) ([]byte, error) { return json.Marshal(e) }

func (jsonCodec) DecodeEvent(data []byte) (*event.Event, error) {
	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.CorruptFormat, err)
	}
	return &e, nil
}

func (jsonCodec) EncodeSession(s *event.Session) ([]byte, error) { return json.Marshal(s) }

func (jsonCodec) DecodeSession(data []byte) (*event.Session, error) {
	var s event.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.CorruptFormat, err)
	}
	return &s, nil
}

func (jsonCodec) EncodeBranch(b *event.BranchRecord) ([]byte, error) { return json.Marshal(b) }

func (jsonCodec) DecodeBranch(data []byte) (*event.BranchRecord, error) {
	var b event.BranchRecord
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.CorruptFormat, err)
	}
	return &b, nil
}

// ---- compact_binary ----

type binaryCodec struct{}

func (binaryCodec) Format() Format { return FormatCompactBinary }

// Tags for top-level Event fields.
const (
	tagEventID Tag = iota + 1
	tagEventSessionID
	tagEventTimestamp
	tagEventSequence
	tagEventKind
	tagEventPayload
)

// Tags for nested payload fields. Reused across kinds since only one
// payload is ever present in a given Event.
const (
	tagPayloadCode Tag = iota + 1
	tagPayloadModifiers
	tagPayloadDuration
	tagPayloadLine
	tagPayloadOutput
	tagPayloadExitCode
	tagPayloadPath
	tagPayloadChangeType
	tagPayloadRenamedFrom
	tagPayloadContentHash
	tagPayloadCursorRow
	tagPayloadCursorCol
	tagPayloadCols
	tagPayloadRows
	tagPayloadTag
	tagPayloadBytes
)

// Tags for Session fields.
const (
	tagSessionID Tag = iota + 1
	tagSessionName
	tagSessionCreatedAt
	tagSessionClosedAt
	tagSessionParentID
	tagSessionParentSeq
	tagSessionEventCount
	tagSessionLastSeq
	tagSessionState
)

// Tags for BranchRecord fields.
const (
	tagBranchID Tag = iota + 1
	tagBranchParentSessionID
	tagBranchPointSequence
	tagBranchCreatedAt
	tagBranchName
)

// Tag identifies a TLV field; Tag values are scoped to the entity
// being encoded, not global.
type Tag byte

type tlvWriter struct{ buf bytes.Buffer }

func (w *tlvWriter) put(tag Tag, data []byte) {
	w.buf.WriteByte(byte(tag))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	w.buf.Write(lenBuf[:])
	w.buf.Write(data)
}

func (w *tlvWriter) putString(tag Tag, s string) { w.put(tag, []byte(s)) }

func (w *tlvWriter) putUint64(tag Tag, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.put(tag, b[:])
}

func (w *tlvWriter) putInt64(tag Tag, v int64) { w.putUint64(tag, uint64(v)) }

func (w *tlvWriter) putTime(tag Tag, t time.Time) { w.putInt64(tag, t.UTC().UnixNano()) }

func (w *tlvWriter) bytes() []byte { return w.buf.Bytes() }

// tlvRecord is a decoded TLV field awaiting dispatch.
type tlvRecord struct {
	tag  Tag
	data []byte
}

func readTLVs(data []byte) ([]tlvRecord, error) {
	r := bytes.NewReader(data)
	var out []tlvRecord
	for {
		tagByte, err := r.ReadByte()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.CorruptFormat, err)
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated field length: %v", errs.CorruptFormat, err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		val := make([]byte, n)
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, fmt.Errorf("%w: truncated field value: %v", errs.CorruptFormat, err)
		}
		// Unknown tags are kept in the record list (for forward
		// compatibility) rather than discarded; callers simply never
		// look them up by a tag they don't recognise.
		out = append(out, tlvRecord{tag: Tag(tagByte), data: val})
	}
}

func findTLV(recs []tlvRecord, tag Tag) ([]byte, bool) {
	for _, r := range recs {
		if r.tag == tag {
			return r.data, true
		}
	}
	return nil, false
}

func mustUint64(recs []tlvRecord, tag Tag) (uint64, bool) {
	d, ok := findTLV(recs, tag)
	if !ok || len(d) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(d), true
}

func mustTime(recs []tlvRecord, tag Tag) (time.Time, bool) {
	v, ok := mustUint64(recs, tag)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, int64(v)).UTC(), true
}

func mustUUID(recs []tlvRecord, tag Tag) (uuid.UUID, bool) {
	d, ok := findTLV(recs, tag)
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.ParseBytes(d)
	if err != nil {
		id2, err2 := uuid.FromBytes(d)
		if err2 != nil {
			return uuid.UUID{}, false
		}
		return id2, true
	}
	return id, true
}

func mustString(recs []tlvRecord, tag Tag) (string, bool) {
	d, ok := findTLV(recs, tag)
	if !ok {
		return "", false
	}
	return string(d), true
}

// ---- Event ----

func (binaryCodec) EncodeEvent(e *event.Event) ([]byte, error) {
	w := &tlvWriter{}
	w.put(tagEventID, e.ID[:])
	w.put(tagEventSessionID, e.SessionID[:])
	w.putTime(tagEventTimestamp, e.Timestamp)
	w.putUint64(tagEventSequence, e.Sequence)
	w.putUint64(tagEventKind, uint64(e.Kind))

	pw := &tlvWriter{}
	switch e.Kind {
	case event.KindKeyPress:
		if e.KeyPress == nil {
			return nil, fmt.Errorf("%w: KeyPress event missing payload", errs.CorruptFormat)
		}
		pw.putString(tagPayloadCode, e.KeyPress.Code)
		for _, m := range e.KeyPress.Modifiers {
			pw.putString(tagPayloadModifiers, m)
		}
		pw.putInt64(tagPayloadDuration, int64(e.KeyPress.Duration))
	case event.KindCommand:
		if e.Command == nil {
			return nil, fmt.Errorf("%w: Command event missing payload", errs.CorruptFormat)
		}
		pw.putString(tagPayloadLine, e.Command.Line)
		pw.putString(tagPayloadOutput, e.Command.Output)
		pw.putInt64(tagPayloadExitCode, int64(e.Command.ExitCode))
		pw.putInt64(tagPayloadDuration, int64(e.Command.Duration))
	case event.KindFileChange:
		if e.FileChange == nil {
			return nil, fmt.Errorf("%w: FileChange event missing payload", errs.CorruptFormat)
		}
		pw.putString(tagPayloadPath, e.FileChange.Path)
		pw.putInt64(tagPayloadChangeType, int64(e.FileChange.ChangeType))
		pw.putString(tagPayloadRenamedFrom, e.FileChange.RenamedFrom)
		pw.putString(tagPayloadContentHash, e.FileChange.ContentHash)
	case event.KindTerminalState:
		if e.TerminalState == nil {
			return nil, fmt.Errorf("%w: TerminalState event missing payload", errs.CorruptFormat)
		}
		pw.putInt64(tagPayloadCursorRow, int64(e.TerminalState.CursorRow))
		pw.putInt64(tagPayloadCursorCol, int64(e.TerminalState.CursorCol))
		pw.putInt64(tagPayloadCols, int64(e.TerminalState.Cols))
		pw.putInt64(tagPayloadRows, int64(e.TerminalState.Rows))
	case event.KindSessionMeta:
		if e.SessionMeta == nil {
			return nil, fmt.Errorf("%w: SessionMeta event missing payload", errs.CorruptFormat)
		}
		pw.putString(tagPayloadTag, e.SessionMeta.Tag)
		pw.put(tagPayloadBytes, e.SessionMeta.Payload)
	default:
		return nil, fmt.Errorf("%w: unknown event kind %d", errs.CorruptFormat, e.Kind)
	}
	w.put(tagEventPayload, pw.bytes())

	return w.bytes(), nil
}

func (binaryCodec) DecodeEvent(data []byte) (*event.Event, error) {
	recs, err := readTLVs(data)
	if err != nil {
		return nil, err
	}

	e := &event.Event{}
	var ok bool
	if e.ID, ok = mustUUID(recs, tagEventID); !ok {
		return nil, fmt.Errorf("%w: missing event id", errs.CorruptFormat)
	}
	if e.SessionID, ok = mustUUID(recs, tagEventSessionID); !ok {
		return nil, fmt.Errorf("%w: missing event session id", errs.CorruptFormat)
	}
	if e.Timestamp, ok = mustTime(recs, tagEventTimestamp); !ok {
		return nil, fmt.Errorf("%w: missing event timestamp", errs.CorruptFormat)
	}
	seq, ok := mustUint64(recs, tagEventSequence)
	if !ok {
		return nil, fmt.Errorf("%w: missing event sequence", errs.CorruptFormat)
	}
	e.Sequence = seq
	kindVal, ok := mustUint64(recs, tagEventKind)
	if !ok {
		return nil, fmt.Errorf("%w: missing event kind", errs.CorruptFormat)
	}
	e.Kind = event.Kind(kindVal)

	payloadBytes, ok := findTLV(recs, tagEventPayload)
	if !ok {
		return nil, fmt.Errorf("%w: missing event payload", errs.CorruptFormat)
	}
	prec, err := readTLVs(payloadBytes)
	if err != nil {
		return nil, err
	}

	switch e.Kind {
	case event.KindKeyPress:
		kp := &event.KeyPress{}
		kp.Code, _ = mustString(prec, tagPayloadCode)
		for _, r := range prec {
			if r.tag == tagPayloadModifiers {
				kp.Modifiers = append(kp.Modifiers, string(r.data))
			}
		}
		if d, ok := mustUint64(prec, tagPayloadDuration); ok {
			kp.Duration = time.Duration(int64(d))
		}
		e.KeyPress = kp
	case event.KindCommand:
		c := &event.Command{}
		c.Line, _ = mustString(prec, tagPayloadLine)
		c.Output, _ = mustString(prec, tagPayloadOutput)
		if v, ok := mustUint64(prec, tagPayloadExitCode); ok {
			c.ExitCode = int(int64(v))
		}
		if d, ok := mustUint64(prec, tagPayloadDuration); ok {
			c.Duration = time.Duration(int64(d))
		}
		e.Command = c
	case event.KindFileChange:
		fc := &event.FileChange{}
		fc.Path, _ = mustString(prec, tagPayloadPath)
		if v, ok := mustUint64(prec, tagPayloadChangeType); ok {
			fc.ChangeType = event.ChangeType(int64(v))
		}
		fc.RenamedFrom, _ = mustString(prec, tagPayloadRenamedFrom)
		fc.ContentHash, _ = mustString(prec, tagPayloadContentHash)
		e.FileChange = fc
	case event.KindTerminalState:
		ts := &event.TerminalState{}
		if v, ok := mustUint64(prec, tagPayloadCursorRow); ok {
			ts.CursorRow = int(int64(v))
		}
		if v, ok := mustUint64(prec, tagPayloadCursorCol); ok {
			ts.CursorCol = int(int64(v))
		}
		if v, ok := mustUint64(prec, tagPayloadCols); ok {
			ts.Cols = int(int64(v))
		}
		if v, ok := mustUint64(prec, tagPayloadRows); ok {
			ts.Rows = int(int64(v))
		}
		e.TerminalState = ts
	case event.KindSessionMeta:
		sm := &event.SessionMeta{}
		sm.Tag, _ = mustString(prec, tagPayloadTag)
		if b, ok := findTLV(prec, tagPayloadBytes); ok {
			sm.Payload = b
		}
		e.SessionMeta = sm
	default:
		return nil, fmt.Errorf("%w: unknown event kind %d", errs.CorruptFormat, e.Kind)
	}

	return e, nil
}

// ---- Session ----

func (binaryCodec) EncodeSession(s *event.Session) ([]byte, error) {
	w := &tlvWriter{}
	w.put(tagSessionID, s.ID[:])
	w.putString(tagSessionName, s.Name)
	w.putTime(tagSessionCreatedAt, s.CreatedAt)
	if s.ClosedAt != nil {
		w.putTime(tagSessionClosedAt, *s.ClosedAt)
	}
	if s.Parent != nil {
		w.put(tagSessionParentID, s.Parent.SessionID[:])
		w.putUint64(tagSessionParentSeq, s.Parent.BranchPointSequence)
	}
	w.putUint64(tagSessionEventCount, s.EventCount)
	w.putUint64(tagSessionLastSeq, s.LastSequence)
	w.putUint64(tagSessionState, uint64(s.State))
	return w.bytes(), nil
}

func (binaryCodec) DecodeSession(data []byte) (*event.Session, error) {
	recs, err := readTLVs(data)
	if err != nil {
		return nil, err
	}
	s := &event.Session{}
	var ok bool
	if s.ID, ok = mustUUID(recs, tagSessionID); !ok {
		return nil, fmt.Errorf("%w: missing session id", errs.CorruptFormat)
	}
	if s.Name, ok = mustString(recs, tagSessionName); !ok {
		return nil, fmt.Errorf("%w: missing session name", errs.CorruptFormat)
	}
	if s.CreatedAt, ok = mustTime(recs, tagSessionCreatedAt); !ok {
		return nil, fmt.Errorf("%w: missing session created_at", errs.CorruptFormat)
	}
	if t, ok := mustTime(recs, tagSessionClosedAt); ok {
		s.ClosedAt = &t
	}
	if pid, ok := mustUUID(recs, tagSessionParentID); ok {
		seq, _ := mustUint64(recs, tagSessionParentSeq)
		s.Parent = &event.Parent{SessionID: pid, BranchPointSequence: seq}
	}
	if v, ok := mustUint64(recs, tagSessionEventCount); ok {
		s.EventCount = v
	}
	if v, ok := mustUint64(recs, tagSessionLastSeq); ok {
		s.LastSequence = v
	}
	if v, ok := mustUint64(recs, tagSessionState); ok {
		s.State = event.State(v)
	}
	return s, nil
}

// ---- BranchRecord ----

func (binaryCodec) EncodeBranch(b *event.BranchRecord) ([]byte, error) {
	w := &tlvWriter{}
	w.put(tagBranchID, b.ID[:])
	w.put(tagBranchParentSessionID, b.ParentSessionID[:])
	w.putUint64(tagBranchPointSequence, b.BranchPointSequence)
	w.putTime(tagBranchCreatedAt, b.CreatedAt)
	w.putString(tagBranchName, b.Name)
	return w.bytes(), nil
}

func (binaryCodec) DecodeBranch(data []byte) (*event.BranchRecord, error) {
	recs, err := readTLVs(data)
	if err != nil {
		return nil, err
	}
	b := &event.BranchRecord{}
	var ok bool
	if b.ID, ok = mustUUID(recs, tagBranchID); !ok {
		return nil, fmt.Errorf("%w: missing branch id", errs.CorruptFormat)
	}
	if b.ParentSessionID, ok = mustUUID(recs, tagBranchParentSessionID); !ok {
		return nil, fmt.Errorf("%w: missing branch parent session id", errs.CorruptFormat)
	}
	if v, ok := mustUint64(recs, tagBranchPointSequence); ok {
		b.BranchPointSequence = v
	}
	if b.CreatedAt, ok = mustTime(recs, tagBranchCreatedAt); !ok {
		return nil, fmt.Errorf("%w: missing branch created_at", errs.CorruptFormat)
	}
	b.Name, _ = mustString(recs, tagBranchName)
	return b, nil
}

package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guycipher/timeloop/errs"
	"github.com/guycipher/timeloop/event"
)

func sampleEvents() []*event.Event {
	now := time.Now().UTC().Truncate(time.Millisecond)
	sid := uuid.New()
	return []*event.Event{
		{
			ID: uuid.New(), SessionID: sid, Timestamp: now, Sequence: 1, Kind: event.KindKeyPress,
			KeyPress: &event.KeyPress{Code: "a", Modifiers: []string{"shift", "ctrl"}, Duration: 5 * time.Millisecond},
		},
		{
			ID: uuid.New(), SessionID: sid, Timestamp: now, Sequence: 2, Kind: event.KindCommand,
			Command: &event.Command{Line: "echo hi", Output: "hi\n", ExitCode: 0, Duration: 12 * time.Millisecond},
		},
		{
			ID: uuid.New(), SessionID: sid, Timestamp: now, Sequence: 3, Kind: event.KindFileChange,
			FileChange: &event.FileChange{Path: "/tmp/x", ChangeType: event.ChangeRenamed, RenamedFrom: "/tmp/y", ContentHash: "deadbeef"},
		},
		{
			ID: uuid.New(), SessionID: sid, Timestamp: now, Sequence: 4, Kind: event.KindTerminalState,
			TerminalState: &event.TerminalState{CursorRow: 3, CursorCol: 7, Cols: 80, Rows: 24},
		},
		{
			ID: uuid.New(), SessionID: sid, Timestamp: now, Sequence: 5, Kind: event.KindSessionMeta,
			SessionMeta: &event.SessionMeta{Tag: "merged_from", Payload: []byte("source=x count=3")},
		},
	}
}

func eventsEqual(a, b *event.Event) bool {
	if a.ID != b.ID || a.SessionID != b.SessionID || !a.Timestamp.Equal(b.Timestamp) || a.Sequence != b.Sequence || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case event.KindKeyPress:
		return a.KeyPress.Code == b.KeyPress.Code && a.KeyPress.Duration == b.KeyPress.Duration &&
			len(a.KeyPress.Modifiers) == len(b.KeyPress.Modifiers)
	case event.KindCommand:
		return *a.Command == *b.Command
	case event.KindFileChange:
		return *a.FileChange == *b.FileChange
	case event.KindTerminalState:
		return *a.TerminalState == *b.TerminalState
	case event.KindSessionMeta:
		return a.SessionMeta.Tag == b.SessionMeta.Tag && string(a.SessionMeta.Payload) == string(b.SessionMeta.Payload)
	}
	return false
}

func TestEventRoundTripBothFormats(t *testing.T) {
	for _, format := range []Format{FormatTextJSON, FormatCompactBinary} {
		c := New(format)
		for _, ev := range sampleEvents() {
			data, err := c.EncodeEvent(ev)
			if err != nil {
				t.Fatalf("[%s] encode %s: %v", format, ev.Kind, err)
			}
			got, err := c.DecodeEvent(data)
			if err != nil {
				t.Fatalf("[%s] decode %s: %v", format, ev.Kind, err)
			}
			if !eventsEqual(ev, got) {
				t.Fatalf("[%s] round-trip mismatch for %s:\n  want %+v\n  got  %+v", format, ev.Kind, ev, got)
			}
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	closedAt := time.Now().UTC().Truncate(time.Millisecond)
	sess := &event.Session{
		ID:        uuid.New(),
		Name:      "demo",
		CreatedAt: closedAt.Add(-time.Hour),
		ClosedAt:  &closedAt,
		Parent:    &event.Parent{SessionID: uuid.New(), BranchPointSequence: 17},
		EventCount: 3,
		LastSequence: 3,
		State:     event.StateClosed,
	}

	for _, format := range []Format{FormatTextJSON, FormatCompactBinary} {
		c := New(format)
		data, err := c.EncodeSession(sess)
		if err != nil {
			t.Fatalf("[%s] encode: %v", format, err)
		}
		got, err := c.DecodeSession(data)
		if err != nil {
			t.Fatalf("[%s] decode: %v", format, err)
		}
		if got.ID != sess.ID || got.Name != sess.Name || got.State != sess.State ||
			got.Parent == nil || got.Parent.SessionID != sess.Parent.SessionID ||
			got.Parent.BranchPointSequence != sess.Parent.BranchPointSequence ||
			got.ClosedAt == nil || !got.ClosedAt.Equal(*sess.ClosedAt) {
			t.Fatalf("[%s] round-trip mismatch: want %+v got %+v", format, sess, got)
		}
	}
}

func TestBranchRecordRoundTrip(t *testing.T) {
	b := &event.BranchRecord{
		ID:                  uuid.New(),
		ParentSessionID:     uuid.New(),
		BranchPointSequence: 60,
		CreatedAt:           time.Now().UTC().Truncate(time.Millisecond),
		Name:                "experiment",
	}
	for _, format := range []Format{FormatTextJSON, FormatCompactBinary} {
		c := New(format)
		data, err := c.EncodeBranch(b)
		if err != nil {
			t.Fatalf("[%s] encode: %v", format, err)
		}
		got, err := c.DecodeBranch(data)
		if err != nil {
			t.Fatalf("[%s] decode: %v", format, err)
		}
		if got.ID != b.ID || got.ParentSessionID != b.ParentSessionID || got.BranchPointSequence != b.BranchPointSequence || got.Name != b.Name {
			t.Fatalf("[%s] round-trip mismatch: want %+v got %+v", format, b, got)
		}
	}
}

func TestCompactBinaryMissingRequiredFieldIsCorrupt(t *testing.T) {
	c := New(FormatCompactBinary)
	w := &tlvWriter{}
	sid := uuid.New()
	w.put(tagEventSessionID, sid[:]) // no tagEventID at all
	_, err := c.DecodeEvent(w.bytes())
	if err == nil {
		t.Fatal("expected an error decoding an event with no id field")
	}
	if !errors.Is(err, errs.CorruptFormat) {
		t.Fatalf("expected errs.CorruptFormat, got %v", err)
	}
}

func TestJSONMalformedIsCorrupt(t *testing.T) {
	c := New(FormatTextJSON)
	_, err := c.DecodeEvent([]byte("{not json"))
	if !errors.Is(err, errs.CorruptFormat) {
		t.Fatalf("expected errs.CorruptFormat, got %v", err)
	}
}

package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEventKeyOrdering(t *testing.T) {
	sid := uuid.New()
	k1 := EventKey(sid, 1)
	k2 := EventKey(sid, 2)
	k10 := EventKey(sid, 10)

	if string(k1) >= string(k2) {
		t.Fatalf("expected key(seq=1) < key(seq=2): %q vs %q", k1, k2)
	}
	if string(k2) >= string(k10) {
		t.Fatalf("expected key(seq=2) < key(seq=10), big-endian encoding should beat lexical: %q vs %q", k2, k10)
	}
}

func TestParseEventKeyRoundTrip(t *testing.T) {
	sid := uuid.New()
	key := EventKey(sid, 42)

	gotSID, gotSeq, err := ParseEventKey(key)
	if err != nil {
		t.Fatalf("ParseEventKey: %v", err)
	}
	if gotSID != sid {
		t.Fatalf("session id mismatch: got %s want %s", gotSID, sid)
	}
	if gotSeq != 42 {
		t.Fatalf("sequence mismatch: got %d want 42", gotSeq)
	}
}

func TestSessionIndexKeyOrderingMatchesTime(t *testing.T) {
	sid1, sid2 := uuid.New(), uuid.New()
	early := time.Unix(1000, 0).UTC()
	late := time.Unix(2000, 0).UTC()

	k1 := SessionIndexKey(early, sid1)
	k2 := SessionIndexKey(late, sid2)

	if string(k1) >= string(k2) {
		t.Fatalf("expected chronological key ordering: %q should sort before %q", k1, k2)
	}
}

func TestEventPrefixBoundsOnlyItsSession(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	prefix := EventPrefix(a)
	other := EventKey(b, 1)

	if len(other) >= len(prefix) && string(other[:len(prefix)]) == string(prefix) {
		t.Fatalf("session b's event key must not fall under session a's prefix")
	}
}

// Package event defines TimeLoop's data model: the Event, Session and
// BranchRecord entities described in spec §3, plus the key schema that
// places them in the KV backend's flat byte-string keyspace.
package event

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags which variant an Event carries.
type Kind int

const (
	KindKeyPress Kind = iota
	KindCommand
	KindFileChange
	KindTerminalState
	KindSessionMeta
)

func (k Kind) String() string {
	switch k {
	case KindKeyPress:
		return "KeyPress"
	case KindCommand:
		return "Command"
	case KindFileChange:
		return "FileChange"
	case KindTerminalState:
		return "TerminalState"
	case KindSessionMeta:
		return "SessionMeta"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ChangeType enumerates FileChange.ChangeType values.
type ChangeType int

const (
	ChangeCreated ChangeType = iota
	ChangeModified
	ChangeDeleted
	ChangeRenamed
)

// KeyPress is the payload of a KindKeyPress event.
type KeyPress struct {
	Code      string
	Modifiers []string
	// Duration is non-zero only for compacted runs of KeyPress events
	// (§4.2.3): the run's start timestamp is the Event's Timestamp and
	// Duration covers the whole coalesced run.
	Duration time.Duration
}

// Command is the payload of a KindCommand event.
type Command struct {
	Line     string
	Output   string
	ExitCode int
	Duration time.Duration
}

// FileChange is the payload of a KindFileChange event.
type FileChange struct {
	Path         string
	ChangeType   ChangeType
	RenamedFrom  string // set only when ChangeType == ChangeRenamed
	ContentHash  string // optional
}

// TerminalState is the payload of a KindTerminalState event.
type TerminalState struct {
	CursorRow int
	CursorCol int
	Cols      int
	Rows      int
}

// SessionMeta is the payload of a KindSessionMeta event; used both for
// producer-supplied tags and for TimeLoop's own bookkeeping markers
// (e.g. the "merged_from" marker inserted by branch.Merge).
type SessionMeta struct {
	Tag     string
	Payload []byte
}

// Event is the atomic recorded fact (spec §3).
type Event struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Timestamp time.Time
	Sequence  uint64
	Kind      Kind

	KeyPress      *KeyPress
	Command       *Command
	FileChange    *FileChange
	TerminalState *TerminalState
	SessionMeta   *SessionMeta
}

// State is a Session's lifecycle state.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "Closed"
	}
	return "Open"
}

// Parent records a branch's relationship to its parent session.
type Parent struct {
	SessionID          uuid.UUID
	BranchPointSequence uint64
}

// Session is a recording (spec §3). Branches are represented as
// Sessions with a non-nil Parent.
type Session struct {
	ID           uuid.UUID
	Name         string
	CreatedAt    time.Time
	ClosedAt     *time.Time
	Parent       *Parent
	EventCount   uint64
	LastSequence uint64
	State        State
}

// BranchRecord is a pointer entity recording that Branch.ID's session
// was forked from Parent at BranchPointSequence (spec §3).
type BranchRecord struct {
	ID                  uuid.UUID
	ParentSessionID      uuid.UUID
	BranchPointSequence uint64
	CreatedAt           time.Time
	Name                string
}

// --- Key schema (spec §3 "Key schema") ---

const (
	prefixSession    = "s/"
	prefixEvent      = "e/"
	prefixBranch     = "b/"
	prefixSessionIdx = "idx/s/"
	prefixMeta       = "meta/"
)

// SessionKey returns the KV key for a session record.
func SessionKey(id uuid.UUID) []byte {
	return []byte(prefixSession + id.String())
}

// EventKey returns the KV key for an event, the big-endian sequence
// suffix keeping event keys for one session in chronological order
// under byte-wise comparison.
func EventKey(sessionID uuid.UUID, sequence uint64) []byte {
	buf := make([]byte, len(prefixEvent)+36+1+8)
	n := copy(buf, prefixEvent)
	n += copy(buf[n:], sessionID.String())
	buf[n] = '/'
	n++
	binary.BigEndian.PutUint64(buf[n:], sequence)
	return buf
}

// EventPrefix returns the key prefix common to every event of a
// session, for range scans.
func EventPrefix(sessionID uuid.UUID) []byte {
	return []byte(prefixEvent + sessionID.String() + "/")
}

// BranchKey returns the KV key for a branch record.
func BranchKey(id uuid.UUID) []byte {
	return []byte(prefixBranch + id.String())
}

// SessionIndexKey returns the chronological-listing marker key for a
// session: idx/s/<created_at big-endian>/<session_id>.
func SessionIndexKey(createdAt time.Time, id uuid.UUID) []byte {
	buf := make([]byte, len(prefixSessionIdx)+8+1+36)
	n := copy(buf, prefixSessionIdx)
	binary.BigEndian.PutUint64(buf[n:], uint64(createdAt.UnixNano()))
	n += 8
	buf[n] = '/'
	n++
	copy(buf[n:], id.String())
	return buf
}

// SessionIndexPrefix is the prefix for scanning every chronological
// session marker.
func SessionIndexPrefix() []byte {
	return []byte(prefixSessionIdx)
}

// Reserved meta/ keys (spec §3 "meta/ reserved keys").
var (
	MetaFormatVersion     = []byte(prefixMeta + "format_version")
	MetaSalt              = []byte(prefixMeta + "salt")
	MetaArgon2Params       = []byte(prefixMeta + "argon2_params")
	MetaPersistenceFormat = []byte(prefixMeta + "persistence_format")
)

// ParseEventKey extracts the session id and sequence from an event
// key, for diagnostics and for the invariant checks in spec §3.
func ParseEventKey(key []byte) (uuid.UUID, uint64, error) {
	s := string(key)
	if len(s) < len(prefixEvent)+36+1+8 {
		return uuid.UUID{}, 0, fmt.Errorf("malformed event key %q", key)
	}
	rest := s[len(prefixEvent):]
	sid, err := uuid.Parse(rest[:36])
	if err != nil {
		return uuid.UUID{}, 0, fmt.Errorf("malformed event key %q: %w", key, err)
	}
	seqBytes := key[len(key)-8:]
	seq := binary.BigEndian.Uint64(seqBytes)
	return sid, seq, nil
}

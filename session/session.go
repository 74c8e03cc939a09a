// Package session implements the recording lifecycle atop kv.Store:
// open/close, event append, lazy summary, and listing (spec §4.4).
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/guycipher/timeloop/event"
	"github.com/guycipher/timeloop/kv"
)

// Manager is a thin lifecycle wrapper around one kv.Store. It carries
// no state of its own beyond the Store reference — sessions live
// entirely in the store, so a Manager can be constructed cheaply
// wherever a Store is available.
type Manager struct {
	Store *kv.Store
}

// New returns a Manager for store.
func New(store *kv.Store) *Manager {
	return &Manager{Store: store}
}

// Open creates and persists a new session, returning it in the Open
// state (spec §4.4 `open_session`).
func (m *Manager) Open(name string) (*event.Session, error) {
	sess := &event.Session{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		State:     event.StateOpen,
	}
	if err := m.Store.PutSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close transitions a session to Closed. Closing an already-closed
// session is a no-op (spec §4.4 `close_session` is idempotent).
func (m *Manager) Close(id uuid.UUID) error {
	sess, err := m.Store.GetSession(id)
	if err != nil {
		return err
	}
	if sess.State == event.StateClosed {
		return nil
	}
	now := time.Now().UTC()
	sess.ClosedAt = &now
	sess.State = event.StateClosed
	return m.Store.PutSession(sess)
}

// AppendKeyPress appends a KindKeyPress event (spec §4.4 `append`).
func (m *Manager) AppendKeyPress(sessionID uuid.UUID, code string, modifiers []string) (*event.Event, error) {
	return m.append(sessionID, event.KindKeyPress, &event.Event{
		KeyPress: &event.KeyPress{Code: code, Modifiers: modifiers},
	})
}

// AppendCommand appends a KindCommand event.
func (m *Manager) AppendCommand(sessionID uuid.UUID, line, output string, exitCode int, duration time.Duration) (*event.Event, error) {
	return m.append(sessionID, event.KindCommand, &event.Event{
		Command: &event.Command{Line: line, Output: output, ExitCode: exitCode, Duration: duration},
	})
}

// AppendFileChange appends a KindFileChange event.
func (m *Manager) AppendFileChange(sessionID uuid.UUID, path string, changeType event.ChangeType, renamedFrom, contentHash string) (*event.Event, error) {
	return m.append(sessionID, event.KindFileChange, &event.Event{
		FileChange: &event.FileChange{Path: path, ChangeType: changeType, RenamedFrom: renamedFrom, ContentHash: contentHash},
	})
}

// AppendTerminalState appends a KindTerminalState event.
func (m *Manager) AppendTerminalState(sessionID uuid.UUID, cursorRow, cursorCol, cols, rows int) (*event.Event, error) {
	return m.append(sessionID, event.KindTerminalState, &event.Event{
		TerminalState: &event.TerminalState{CursorRow: cursorRow, CursorCol: cursorCol, Cols: cols, Rows: rows},
	})
}

// AppendMeta appends a KindSessionMeta event.
func (m *Manager) AppendMeta(sessionID uuid.UUID, tag string, payload []byte) (*event.Event, error) {
	return m.append(sessionID, event.KindSessionMeta, &event.Event{
		SessionMeta: &event.SessionMeta{Tag: tag, Payload: payload},
	})
}

func (m *Manager) append(sessionID uuid.UUID, kind event.Kind, partial *event.Event) (*event.Event, error) {
	ev := partial
	ev.ID = uuid.New()
	ev.SessionID = sessionID
	ev.Timestamp = time.Now().UTC()
	ev.Kind = kind
	if err := m.Store.AppendEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Summary is the aggregate view spec §4.4 `summary` returns.
type Summary struct {
	Duration        time.Duration
	CommandCount    uint64
	KeyPressCount   uint64
	FileChangeCount uint64
	FirstSequence   uint64
	LastSequence    uint64
}

// Summarize walks a session's events lazily via the store's cursor —
// it never materializes the full event list — accumulating per-kind
// counts (spec §4.4 `summary`).
func (m *Manager) Summarize(id uuid.UUID) (*Summary, error) {
	sess, err := m.Store.GetSession(id)
	if err != nil {
		return nil, err
	}

	cur, err := m.Store.ReadEvents(id, kv.Range{})
	if err != nil {
		return nil, err
	}

	var sum Summary
	var firstTS, lastTS time.Time
	for cur.HasNext() {
		ev, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if ev == nil {
			break
		}
		if sum.FirstSequence == 0 || ev.Sequence < sum.FirstSequence {
			sum.FirstSequence = ev.Sequence
			firstTS = ev.Timestamp
		}
		if ev.Sequence > sum.LastSequence {
			sum.LastSequence = ev.Sequence
			lastTS = ev.Timestamp
		}
		switch ev.Kind {
		case event.KindCommand:
			sum.CommandCount++
		case event.KindKeyPress:
			sum.KeyPressCount++
		case event.KindFileChange:
			sum.FileChangeCount++
		}
	}

	if !firstTS.IsZero() && !lastTS.IsZero() {
		sum.Duration = lastTS.Sub(firstTS)
	}
	if sess.ClosedAt != nil && !firstTS.IsZero() {
		sum.Duration = sess.ClosedAt.Sub(firstTS)
	}

	return &sum, nil
}

// List returns every session, chronologically (spec §4.4 `list`).
func (m *Manager) List() ([]*event.Session, error) {
	return m.Store.ListSessions()
}

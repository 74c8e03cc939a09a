// Package branch implements the branch DAG on top of kv.Store: create,
// list, merge, and delete, plus the transparent parent-prefix +
// branch-local read view (spec §4.5).
package branch

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guycipher/timeloop/errs"
	"github.com/guycipher/timeloop/event"
	"github.com/guycipher/timeloop/kv"
)

// MergePolicy selects how Merge copies source events into the target
// (spec §4.5 `merge`).
type MergePolicy int

const (
	MergeAppendAll MergePolicy = iota
	MergeAppendSinceBranchPoint
	MergeDryRun
)

// Manager creates, lists, merges, and deletes branches atop one
// kv.Store.
type Manager struct {
	Store *kv.Store
}

// New returns a Manager for store.
func New(store *kv.Store) *Manager {
	return &Manager{Store: store}
}

// Branch forks parentSessionID at atSequence (or the parent's current
// last_sequence if nil) into a new session/branch pair (spec §4.5
// `branch`).
func (m *Manager) Branch(parentSessionID uuid.UUID, atSequence *uint64, name string) (uuid.UUID, error) {
	parent, err := m.Store.GetSession(parentSessionID)
	if err != nil {
		return uuid.UUID{}, err
	}

	at := parent.LastSequence
	if atSequence != nil {
		at = *atSequence
	}
	if at < 1 || at > parent.LastSequence {
		return uuid.UUID{}, fmt.Errorf("%w: at_sequence %d (parent last_sequence %d)", errs.InvalidBranchPoint, at, parent.LastSequence)
	}

	branchID := uuid.New()
	if err := m.checkAcyclic(parentSessionID, branchID); err != nil {
		return uuid.UUID{}, err
	}

	now := time.Now().UTC()
	newSession := &event.Session{
		ID:        branchID,
		Name:      name,
		CreatedAt: now,
		Parent:    &event.Parent{SessionID: parentSessionID, BranchPointSequence: at},
		State:     event.StateOpen,
	}
	if err := m.Store.PutSession(newSession); err != nil {
		return uuid.UUID{}, err
	}

	record := &event.BranchRecord{
		ID:                  branchID,
		ParentSessionID:     parentSessionID,
		BranchPointSequence: at,
		CreatedAt:           now,
		Name:                name,
	}
	if err := m.Store.PutBranch(record); err != nil {
		return uuid.UUID{}, err
	}

	return branchID, nil
}

// checkAcyclic refuses a branch whose parent chain would include the
// new id (spec §9 "Cyclic parent/branch references"). Because newID
// is always freshly generated this can never fire today, but the walk
// stays in place as the enforcement point if ids are ever supplied by
// a caller instead of generated here.
func (m *Manager) checkAcyclic(parentSessionID, newID uuid.UUID) error {
	seen := map[uuid.UUID]bool{}
	cur := parentSessionID
	for {
		if cur == newID {
			return fmt.Errorf("%w: branch would create a cycle through %s", errs.InvalidBranchPoint, cur)
		}
		if seen[cur] {
			return nil
		}
		seen[cur] = true

		sess, err := m.Store.GetSession(cur)
		if err != nil || sess.Parent == nil {
			return nil
		}
		cur = sess.Parent.SessionID
	}
}

// ListBranches returns every branch whose parent is sessionID. There
// is no secondary index by parent (spec Non-goals), so this scans
// every branch record.
func (m *Manager) ListBranches(sessionID uuid.UUID) ([]*event.BranchRecord, error) {
	all, err := m.Store.ListAllBranches()
	if err != nil {
		return nil, err
	}
	var out []*event.BranchRecord
	for _, b := range all {
		if b.ParentSessionID == sessionID {
			out = append(out, b)
		}
	}
	return out, nil
}

// ReadBranchEvents emits parent events with original sequence numbers
// up to the branch point, then the branch's own events in sequence
// order (spec §4.5 "Reading a branch").
func (m *Manager) ReadBranchEvents(sessionID uuid.UUID) ([]*event.Event, error) {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	var out []*event.Event
	if sess.Parent != nil {
		limit := sess.Parent.BranchPointSequence
		cur, err := m.Store.ReadEvents(sess.Parent.SessionID, kv.Range{ToSequence: &limit})
		if err != nil {
			return nil, err
		}
		for cur.HasNext() {
			ev, err := cur.Next()
			if err != nil {
				return nil, err
			}
			if ev == nil {
				break
			}
			out = append(out, ev)
		}
	}

	cur, err := m.Store.ReadEvents(sessionID, kv.Range{})
	if err != nil {
		return nil, err
	}
	for cur.HasNext() {
		ev, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if ev == nil {
			break
		}
		out = append(out, ev)
	}

	return out, nil
}

// MergeResult reports what Merge did (or, under MergeDryRun, would
// do).
type MergeResult struct {
	EventsCopied int
}

// Merge copies sourceBranchID's events into targetSessionID under
// policy, assigning fresh sequence numbers in the target and recording
// the source id, the count and the original sequences in a
// SessionMeta{tag:"merged_from"} marker inserted immediately before the
// copied events (spec §4.5 `merge`).
func (m *Manager) Merge(sourceBranchID, targetSessionID uuid.UUID, policy MergePolicy) (*MergeResult, error) {
	if _, err := m.Store.GetSession(sourceBranchID); err != nil {
		return nil, err
	}
	target, err := m.Store.GetSession(targetSessionID)
	if err != nil {
		return nil, err
	}
	if target.State == event.StateClosed {
		return nil, fmt.Errorf("%w: target session %s", errs.SessionClosed, targetSessionID)
	}

	var toCopy []*event.Event
	switch policy {
	case MergeAppendAll, MergeDryRun:
		toCopy, err = m.ReadBranchEvents(sourceBranchID)
	case MergeAppendSinceBranchPoint:
		// A branch's own events are numbered from 1 and all follow its
		// branch point, so every event stored under the source session is
		// copied and the parent prefix is not.
		var cur *kv.EventCursor
		cur, err = m.Store.ReadEvents(sourceBranchID, kv.Range{})
		if err == nil {
			for cur.HasNext() {
				ev, nerr := cur.Next()
				if nerr != nil {
					err = nerr
					break
				}
				if ev == nil {
					break
				}
				toCopy = append(toCopy, ev)
			}
		}
	default:
		return nil, fmt.Errorf("unknown merge policy %d", policy)
	}
	if err != nil {
		return nil, err
	}

	if policy == MergeDryRun || len(toCopy) == 0 {
		return &MergeResult{EventsCopied: len(toCopy)}, nil
	}

	origSeqs := make([]uint64, len(toCopy))
	for i, src := range toCopy {
		origSeqs[i] = src.Sequence
	}
	marker := &event.Event{
		ID:        uuid.New(),
		SessionID: targetSessionID,
		Timestamp: time.Now().UTC(),
		Kind:      event.KindSessionMeta,
		SessionMeta: &event.SessionMeta{
			Tag:     "merged_from",
			Payload: []byte(fmt.Sprintf("source=%s count=%d sequences=%v", sourceBranchID, len(toCopy), origSeqs)),
		},
	}
	if err := m.Store.AppendEvent(marker); err != nil {
		return nil, err
	}

	for _, src := range toCopy {
		cpy := &event.Event{
			ID:            uuid.New(),
			SessionID:     targetSessionID,
			Timestamp:     src.Timestamp,
			Kind:          src.Kind,
			KeyPress:      src.KeyPress,
			Command:       src.Command,
			FileChange:    src.FileChange,
			TerminalState: src.TerminalState,
			SessionMeta:   src.SessionMeta,
		}
		if err := m.Store.AppendEvent(cpy); err != nil {
			return nil, err
		}
	}

	return &MergeResult{EventsCopied: len(toCopy)}, nil
}

// Delete removes a branch record. It is only permitted when no other
// branch lists this one as parent (spec §4.5 `delete`).
func (m *Manager) Delete(branchID uuid.UUID) error {
	dependents, err := m.ListBranches(branchID)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return fmt.Errorf("%w: %d branch(es) depend on %s", errs.InvalidBranchPoint, len(dependents), branchID)
	}
	return m.Store.DeleteBranch(branchID)
}

package kv

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guycipher/timeloop/event"
)

// scratchPrefix returns the key prefix compaction rewrites events
// into before the atomic swap into e/ (spec §4.2.3 step (a)).
func scratchPrefix(sessionID uuid.UUID) []byte {
	return []byte("c/" + sessionID.String() + "/")
}

func scratchKey(sessionID uuid.UUID, seq uint64) []byte {
	p := scratchPrefix(sessionID)
	k := make([]byte, len(p)+8)
	n := copy(k, p)
	binary.BigEndian.PutUint64(k[n:], seq)
	return k
}

// Compact rewrites sessionID's event prefix per the store's configured
// CompactionPolicy (spec §4.2.3). A nil sessionID compacts every
// session. Compaction is a no-op when the policy is CompactionNone, when
// the session isn't yet eligible, or when coalescing leaves the event
// count unchanged, which makes re-running it on an already-compacted
// prefix idempotent.
func (s *Store) Compact(sessionID *uuid.UUID) error {
	if s.opts.Compaction.Kind == CompactionNone {
		return nil
	}

	if sessionID != nil {
		return s.compactOne(*sessionID)
	}

	sessions, err := s.ListSessions()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := s.compactOne(sess.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) compactOne(sessionID uuid.UUID) error {
	s.guard.Lock()
	defer s.guard.Unlock()

	sess, err := s.getSessionLocked(sessionID)
	if err != nil {
		return err
	}

	eligible, err := s.isEligibleLocked(sess)
	if err != nil {
		return err
	}
	if !eligible {
		return nil
	}

	events, err := s.readAllEventsLocked(sessionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	cutoff := time.Time{}
	windowed := s.opts.Compaction.Kind == CompactionTimeWindow
	if windowed {
		cutoff = time.Now().Add(-s.opts.Compaction.OlderThan)
	}

	compacted := coalesce(events, cutoff, windowed)
	if len(compacted) == len(events) {
		return nil
	}

	origSeqs := make([]uint64, len(events))
	for i, ev := range events {
		origSeqs[i] = ev.Sequence
	}

	for i, ev := range compacted {
		ev.Sequence = uint64(i + 1)
		data, err := s.codec.EncodeEvent(ev)
		if err != nil {
			return err
		}
		if err := s.putEntity(scratchKey(sessionID, ev.Sequence), data); err != nil {
			return err
		}
	}
	if err := s.backend.Flush(); err != nil {
		return err
	}

	for _, seq := range origSeqs {
		if err := s.deleteEventKeyLocked(event.EventKey(sessionID, seq), true); err != nil {
			return err
		}
	}

	for i, ev := range compacted {
		ev.Sequence = uint64(i + 1)
		data, err := s.codec.EncodeEvent(ev)
		if err != nil {
			return err
		}
		if err := s.putEntity(event.EventKey(sessionID, ev.Sequence), data); err != nil {
			return err
		}
		if err := s.deleteEventKeyLocked(scratchKey(sessionID, ev.Sequence), true); err != nil {
			return err
		}
	}

	sess.LastSequence = uint64(len(compacted))
	sess.EventCount = uint64(len(compacted))
	if err := s.putSessionLocked(sess); err != nil {
		return err
	}

	s.logf("compacted session %s: %d events -> %d events", sessionID, len(events), len(compacted))
	return s.backend.Flush()
}

func (s *Store) isEligibleLocked(sess *event.Session) (bool, error) {
	switch s.opts.Compaction.Kind {
	case CompactionSizeThreshold:
		bytes, err := s.estimatedEventBytes(sess.ID)
		if err != nil {
			return false, err
		}
		return bytes > s.opts.Compaction.Bytes, nil
	case CompactionEventThreshold:
		return sess.EventCount > s.opts.Compaction.Count, nil
	case CompactionTimeWindow:
		return sess.EventCount > 0, nil
	default:
		return false, nil
	}
}

func (s *Store) readAllEventsLocked(sessionID uuid.UUID) ([]*event.Event, error) {
	prefix := event.EventPrefix(sessionID)
	cur, err := s.backend.Seek(prefix)
	if err != nil {
		return nil, err
	}
	var out []*event.Event
	for cur.HasNext() {
		k, v, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
			break
		}
		plaintext, err := s.unseal(k, v)
		if err != nil {
			return nil, err
		}
		ev, err := s.codec.DecodeEvent(plaintext)
		if err != nil {
			return nil, fmt.Errorf("compact: decode %q: %w", k, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// coalesce rewrites events per spec §4.2.3: adjacent TerminalState
// events collapse to the newest of the run; consecutive KeyPress
// events merge into one run (Timestamp = run start, Duration = run
// end - run start). Command, FileChange, and SessionMeta events are
// never merged and always break a run. When windowed is true, only
// runs whose earliest event is older than cutoff are eligible — a
// KeyPress run is never split across the cutoff boundary, so the
// whole run's start timestamp decides its eligibility.
func coalesce(events []*event.Event, cutoff time.Time, windowed bool) []*event.Event {
	out := make([]*event.Event, 0, len(events))

	i := 0
	for i < len(events) {
		ev := events[i]

		if ev.Kind != event.KindTerminalState && ev.Kind != event.KindKeyPress {
			out = append(out, ev)
			i++
			continue
		}

		j := i + 1
		for j < len(events) && events[j].Kind == ev.Kind {
			j++
		}
		run := events[i:j]
		i = j

		if windowed && !run[0].Timestamp.Before(cutoff) {
			out = append(out, run...)
			continue
		}

		if ev.Kind == event.KindTerminalState {
			out = append(out, run[len(run)-1])
			continue
		}

		if len(run) == 1 {
			out = append(out, run[0])
			continue
		}

		first, last := run[0], run[len(run)-1]
		merged := &event.Event{
			ID:        first.ID,
			SessionID: first.SessionID,
			Timestamp: first.Timestamp,
			Kind:      event.KindKeyPress,
			KeyPress: &event.KeyPress{
				Code:      first.KeyPress.Code,
				Modifiers: first.KeyPress.Modifiers,
				Duration:  last.Timestamp.Sub(first.Timestamp),
			},
		}
		out = append(out, merged)
	}

	return out
}

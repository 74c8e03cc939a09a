package kv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guycipher/timeloop/codec"
	tlcrypto "github.com/guycipher/timeloop/crypto"
	"github.com/guycipher/timeloop/errs"
	"github.com/guycipher/timeloop/event"
)

// EncryptionMode selects whether Store values are sealed at rest.
type EncryptionMode int

const (
	EncryptionNone EncryptionMode = iota
	EncryptionPassword
)

// EncryptionOptions configures at-rest encryption (spec §4.3).
type EncryptionOptions struct {
	Mode       EncryptionMode
	Passphrase string
	KDFParams  tlcrypto.Argon2Params // zero value => tlcrypto.DefaultArgon2Params()
}

// CompactionKind selects a CompactionPolicy variant (spec §4.2.3).
type CompactionKind int

const (
	CompactionNone CompactionKind = iota
	CompactionSizeThreshold
	CompactionEventThreshold
	CompactionTimeWindow
)

// CompactionPolicy is one of the variants named in spec §4.2.3.
type CompactionPolicy struct {
	Kind      CompactionKind
	Bytes     int64
	Count     uint64
	OlderThan time.Duration
}

// Options configures Open. Per spec §9's "Global mutable
// configuration" design note, every Store setting is a field here
// rather than a package-level global, and the struct is treated as
// immutable for the Store's lifetime.
type Options struct {
	Format        codec.Format
	AppendOnly    bool
	Compaction    CompactionPolicy
	Encryption    EncryptionOptions
	OpenTimeoutMs int
	Logger        *log.Logger
}

// Store is the central component of spec §4.2: it wraps one Backend,
// owns the codec and crypto choices, enforces the append-only and
// format invariants, serialises writers, and implements compaction and
// backup/restore.
type Store struct {
	opts         Options
	backend      *Backend
	codec        codec.Codec
	sealer       *tlcrypto.Sealer
	salt         []byte
	argon2Params tlcrypto.Argon2Params

	guard sync.RWMutex
	log   *log.Logger
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Open opens or creates a store directory under the given options,
// per spec §4.2's `open(path, options)`.
func Open(dir string, opts Options) (*Store, error) {
	backend, err := OpenBackend(dir, opts.OpenTimeoutMs)
	if err != nil {
		return nil, err
	}

	meta, existed, err := readMeta(dir)
	if err != nil {
		backend.Close()
		return nil, err
	}

	st := &Store{opts: opts, backend: backend, codec: codec.New(opts.Format), log: opts.Logger}

	if existed {
		persisted, err := codec.ParseFormat(meta.PersistenceFormat)
		if err != nil {
			backend.Close()
			return nil, err
		}
		if persisted != opts.Format {
			backend.Close()
			return nil, fmt.Errorf("%w: store was written as %s, opened as %s", errs.FormatMismatch, persisted, opts.Format)
		}

		if opts.Encryption.Mode == EncryptionPassword {
			if meta.Salt == "" {
				backend.Close()
				return nil, fmt.Errorf("%w: store has no persisted salt but encryption was requested", errs.FormatMismatch)
			}
			salt, err := hex.DecodeString(meta.Salt)
			if err != nil {
				backend.Close()
				return nil, fmt.Errorf("decode persisted salt: %w", err)
			}
			params := tlcrypto.Argon2Params{
				Time:    meta.Argon2Time,
				Memory:  meta.Argon2Memory,
				Threads: meta.Argon2Threads,
				KeyLen:  meta.Argon2KeyLen,
			}
			key := tlcrypto.DeriveKey([]byte(opts.Encryption.Passphrase), salt, params)
			sealer, err := tlcrypto.NewSealer(key)
			if err != nil {
				backend.Close()
				return nil, err
			}
			st.sealer = sealer
			st.salt = salt
			st.argon2Params = params
		}
	} else {
		m := &metaFile{FormatVersion: currentFormatVersion, PersistenceFormat: opts.Format.String()}

		if opts.Encryption.Mode == EncryptionPassword {
			salt, err := tlcrypto.NewSalt()
			if err != nil {
				backend.Close()
				return nil, err
			}
			params := opts.Encryption.KDFParams
			if params == (tlcrypto.Argon2Params{}) {
				params = tlcrypto.DefaultArgon2Params()
			}
			key := tlcrypto.DeriveKey([]byte(opts.Encryption.Passphrase), salt, params)
			sealer, err := tlcrypto.NewSealer(key)
			if err != nil {
				backend.Close()
				return nil, err
			}
			st.sealer = sealer
			st.salt = salt
			st.argon2Params = params

			m.Salt = hex.EncodeToString(salt)
			m.Argon2Time = params.Time
			m.Argon2Memory = params.Memory
			m.Argon2Threads = params.Threads
			m.Argon2KeyLen = params.KeyLen
		}

		if err := writeMeta(dir, m); err != nil {
			backend.Close()
			return nil, err
		}
	}

	st.logf("opened store at %s (format=%s append_only=%t)", dir, opts.Format, opts.AppendOnly)
	return st, nil
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	s.logf("closing store at %s", s.backend.Dir())
	return s.backend.Close()
}

// Flush forces durability of all buffered writes (spec §4.2 `flush`).
func (s *Store) Flush() error {
	return s.backend.Flush()
}

// PendingWrites is the observational counter of spec §4.2.2.
func (s *Store) PendingWrites() uint32 {
	return s.backend.PendingWrites()
}

// seal encrypts plaintext if encryption is configured, otherwise
// returns it unchanged. key is used as AAD when sealing.
func (s *Store) seal(key, plaintext []byte) ([]byte, error) {
	if s.sealer == nil {
		return plaintext, nil
	}
	return s.sealer.Seal(plaintext, key)
}

func (s *Store) unseal(key, stored []byte) ([]byte, error) {
	if s.sealer == nil {
		return stored, nil
	}
	return s.sealer.Open(stored, key)
}

func (s *Store) putEntity(key, plaintext []byte) error {
	sealed, err := s.seal(key, plaintext)
	if err != nil {
		return err
	}
	return s.backend.Put(key, sealed)
}

func (s *Store) getEntity(key []byte) ([]byte, bool, error) {
	stored, ok, err := s.backend.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plaintext, err := s.unseal(key, stored)
	if err != nil {
		return nil, true, err
	}
	return plaintext, true, nil
}

// PutSession persists a session record (spec §4.2 `put_session`).
func (s *Store) PutSession(sess *event.Session) error {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.putSessionLocked(sess)
}

func (s *Store) putSessionLocked(sess *event.Session) error {
	data, err := s.codec.EncodeSession(sess)
	if err != nil {
		return err
	}
	if err := s.putEntity(event.SessionKey(sess.ID), data); err != nil {
		return err
	}
	return s.putEntity(event.SessionIndexKey(sess.CreatedAt, sess.ID), []byte{})
}

// GetSession retrieves a session record by id (spec §4.2 `get_session`).
func (s *Store) GetSession(id uuid.UUID) (*event.Session, error) {
	s.guard.RLock()
	defer s.guard.RUnlock()
	return s.getSessionLocked(id)
}

func (s *Store) getSessionLocked(id uuid.UUID) (*event.Session, error) {
	data, ok, err := s.getEntity(event.SessionKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.SessionNotFound, id)
	}
	sess, err := s.codec.DecodeSession(data)
	if err != nil {
		return nil, errs.NewCorrupt(event.SessionKey(id), err)
	}
	return sess, nil
}

// ListSessions returns every session in chronological order (spec
// §4.2 `list_sessions`), via the idx/s/ index.
func (s *Store) ListSessions() ([]*event.Session, error) {
	s.guard.RLock()
	defer s.guard.RUnlock()

	cur, err := s.backend.Seek(event.SessionIndexPrefix())
	if err != nil {
		return nil, err
	}

	var out []*event.Session
	prefix := string(event.SessionIndexPrefix())
	for cur.HasNext() {
		k, _, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if len(k) < len(prefix) || string(k[:len(prefix)]) != prefix {
			break
		}
		id, err := uuid.Parse(string(k[len(k)-36:]))
		if err != nil {
			continue
		}
		sess, err := s.getSessionLocked(id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// PutBranch persists a branch record.
func (s *Store) PutBranch(b *event.BranchRecord) error {
	s.guard.Lock()
	defer s.guard.Unlock()
	data, err := s.codec.EncodeBranch(b)
	if err != nil {
		return err
	}
	return s.putEntity(event.BranchKey(b.ID), data)
}

// GetBranch retrieves a branch record by id.
func (s *Store) GetBranch(id uuid.UUID) (*event.BranchRecord, error) {
	s.guard.RLock()
	defer s.guard.RUnlock()
	data, ok, err := s.getEntity(event.BranchKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.BranchNotFound, id)
	}
	b, err := s.codec.DecodeBranch(data)
	if err != nil {
		return nil, errs.NewCorrupt(event.BranchKey(id), err)
	}
	return b, nil
}

// DeleteBranch removes a branch record. Branch records are never
// covered by append-only mode (only e/* event keys are), since
// branch.Manager.Delete already enforces its own invariant (no
// dependent branches) before calling this.
func (s *Store) DeleteBranch(id uuid.UUID) error {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.backend.Delete(event.BranchKey(id))
}

// ListAllBranches scans every branch record. There is no secondary
// index by parent session (spec §1 Non-goals: no secondary indexes
// beyond session-id and chronological order), so branch.Manager
// filters this list by parent itself.
func (s *Store) ListAllBranches() ([]*event.BranchRecord, error) {
	s.guard.RLock()
	defer s.guard.RUnlock()

	cur, err := s.backend.Seek([]byte("b/"))
	if err != nil {
		return nil, err
	}
	var out []*event.BranchRecord
	for cur.HasNext() {
		k, v, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if len(k) < 2 || string(k[:2]) != "b/" {
			break
		}
		plaintext, err := s.unseal(k, v)
		if err != nil {
			return nil, err
		}
		b, err := s.codec.DecodeBranch(plaintext)
		if err != nil {
			return nil, errs.NewCorrupt(k, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// AppendEvent assigns ev.Sequence = session.LastSequence+1, writes the
// event and the updated session atomically under the exclusive guard,
// per spec §4.2.2.
func (s *Store) AppendEvent(ev *event.Event) error {
	s.guard.Lock()
	defer s.guard.Unlock()

	sess, err := s.getSessionLocked(ev.SessionID)
	if err != nil {
		return err
	}
	if sess.State == event.StateClosed {
		return fmt.Errorf("%w: session %s", errs.SessionClosed, sess.ID)
	}

	ev.Sequence = sess.LastSequence + 1

	data, err := s.codec.EncodeEvent(ev)
	if err != nil {
		return err
	}
	key := event.EventKey(ev.SessionID, ev.Sequence)
	if err := s.putEntity(key, data); err != nil {
		return err
	}

	sess.LastSequence = ev.Sequence
	sess.EventCount++
	return s.putSessionLocked(sess)
}

// Range bounds a read_events query (spec §4.2 `range`).
type Range struct {
	FromSequence *uint64
	ToSequence   *uint64
	FromTime     *time.Time
	ToTime       *time.Time
}

func (r Range) includes(seq uint64, ts time.Time) bool {
	if r.FromSequence != nil && seq < *r.FromSequence {
		return false
	}
	if r.ToSequence != nil && seq > *r.ToSequence {
		return false
	}
	if r.FromTime != nil && ts.Before(*r.FromTime) {
		return false
	}
	if r.ToTime != nil && ts.After(*r.ToTime) {
		return false
	}
	return true
}

// EventCursor is the lazy, finite, non-restartable ordered sequence
// named by spec §6 "Egress API expected by the replay collaborator".
type EventCursor struct {
	store  *Store
	cur    *Cursor
	prefix []byte
	rng    Range
	done   bool
}

// ReadEvents returns events of sessionID within rng in sequence order
// (spec §4.2 `read_events`). Decoding/crypto errors for a single event
// are surfaced via Next's error return without aborting the scan (spec
// §7 propagation policy); the caller decides whether to continue.
func (s *Store) ReadEvents(sessionID uuid.UUID, rng Range) (*EventCursor, error) {
	s.guard.RLock()
	defer s.guard.RUnlock()

	prefix := event.EventPrefix(sessionID)
	cur, err := s.backend.Seek(prefix)
	if err != nil {
		return nil, err
	}
	return &EventCursor{store: s, cur: cur, prefix: prefix, rng: rng}, nil
}

// HasNext reports whether another event might remain. It may return
// true once even if the next call to Next finds nothing further in
// range, since range filtering happens lazily in Next.
func (c *EventCursor) HasNext() bool {
	return !c.done && c.cur.HasNext()
}

// Next returns the next in-range event, or (nil, nil) when the cursor
// is exhausted.
func (c *EventCursor) Next() (*event.Event, error) {
	for !c.done && c.cur.HasNext() {
		k, v, err := c.cur.Next()
		if err != nil {
			return nil, err
		}
		if len(k) < len(c.prefix) || string(k[:len(c.prefix)]) != string(c.prefix) {
			c.done = true
			return nil, nil
		}

		plaintext, err := c.store.unseal(k, v)
		if err != nil {
			return nil, err
		}
		ev, err := c.store.codec.DecodeEvent(plaintext)
		if err != nil {
			return nil, errs.NewCorrupt(k, err)
		}
		if !c.rng.includes(ev.Sequence, ev.Timestamp) {
			continue
		}
		return ev, nil
	}
	c.done = true
	return nil, nil
}

// deleteEventKeyLocked removes an event key, honouring append-only mode.
func (s *Store) deleteEventKeyLocked(key []byte, bypassAppendOnly bool) error {
	if s.opts.AppendOnly && !bypassAppendOnly {
		return fmt.Errorf("%w: cannot delete %q in append-only mode", errs.AppendOnlyViolation, key)
	}
	return s.backend.Delete(key)
}

// backupMagic and backupVersion implement spec §6's backup file
// format header.
var backupMagic = [4]byte{'T', 'L', 'B', 'K'}

const backupVersion uint16 = 1

const (
	backupFlagEncrypted uint16 = 1 << 0
)

const (
	recKindSession uint8 = iota
	recKindEvent
	recKindBranch
)

func writeLenPrefixed(w *bufio.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLenPrefixed(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Backup writes a single self-describing blob of every session,
// event, and branch to path (spec §4.2.4 / §6). Writing proceeds by
// write-to-tempfile + atomic rename.
func (s *Store) Backup(path string) error {
	s.logf("starting backup to %s", path)
	s.guard.RLock()
	defer s.guard.RUnlock()

	sessions, err := s.listSessionsLocked()
	if err != nil {
		return err
	}
	branches, err := s.listAllBranchesLocked()
	if err != nil {
		return err
	}

	buf := &bytes.Buffer{}
	body := bufio.NewWriter(buf)

	for _, sess := range sessions {
		sdata, err := s.codec.EncodeSession(sess)
		if err != nil {
			return err
		}
		body.WriteByte(recKindSession)
		if err := writeLenPrefixed(body, sdata); err != nil {
			return err
		}

		cur, err := s.backend.Seek(event.EventPrefix(sess.ID))
		if err != nil {
			return err
		}
		prefix := event.EventPrefix(sess.ID)
		for cur.HasNext() {
			k, v, err := cur.Next()
			if err != nil {
				return err
			}
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			plaintext, err := s.unseal(k, v)
			if err != nil {
				return err
			}
			body.WriteByte(recKindEvent)
			if err := writeLenPrefixed(body, plaintext); err != nil {
				return err
			}
		}
	}

	for _, b := range branches {
		bdata, err := s.codec.EncodeBranch(b)
		if err != nil {
			return err
		}
		body.WriteByte(recKindBranch)
		if err := writeLenPrefixed(body, bdata); err != nil {
			return err
		}
	}

	if err := body.Flush(); err != nil {
		return err
	}

	payload := buf.Bytes()
	flags := uint16(0)
	if s.sealer != nil {
		flags |= backupFlagEncrypted
		sealed, err := s.sealer.Seal(payload, []byte("backup"))
		if err != nil {
			return err
		}
		payload = sealed
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	w.Write(backupMagic[:])
	var verBuf [2]byte
	binary.BigEndian.PutUint16(verBuf[:], backupVersion)
	w.Write(verBuf[:])
	var flagBuf [2]byte
	binary.BigEndian.PutUint16(flagBuf[:], flags)
	w.Write(flagBuf[:])
	if s.sealer != nil {
		w.Write(s.salt)
	}
	w.Write(payload)
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.logf("backup complete: %d sessions, %d branches", len(sessions), len(branches))
	return nil
}

// Restore reads a backup written by Backup and inserts its records
// into this store. On a session or branch id collision, a fresh id is
// assigned and parent/session references are remapped transitively
// (spec §4.2.4).
func (s *Store) Restore(path string) error {
	s.logf("restoring from %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < 8 {
		return fmt.Errorf("%w: backup file too short", errs.CorruptFormat)
	}
	if [4]byte{data[0], data[1], data[2], data[3]} != backupMagic {
		return fmt.Errorf("%w: bad backup magic", errs.CorruptFormat)
	}
	flags := binary.BigEndian.Uint16(data[6:8])
	offset := 8

	payload := data[offset:]
	if flags&backupFlagEncrypted != 0 {
		if s.opts.Encryption.Mode != EncryptionPassword {
			return fmt.Errorf("%w: backup is encrypted but store has no passphrase configured", errs.AuthenticationFailed)
		}
		saltLen := 16
		if len(payload) < saltLen {
			return fmt.Errorf("%w: truncated encrypted backup", errs.CorruptFormat)
		}
		backupSalt := payload[:saltLen]
		envelope := payload[saltLen:]

		// The backup was sealed under the *originating* store's salt,
		// which travels with the file; this store's own salt (if it
		// differs, as it does for a freshly created destination store)
		// would derive the wrong key, so a dedicated sealer is derived
		// here instead of reusing s.sealer.
		key := tlcrypto.DeriveKey([]byte(s.opts.Encryption.Passphrase), backupSalt, s.argon2Params)
		backupSealer, err := tlcrypto.NewSealer(key)
		if err != nil {
			return err
		}
		plain, err := backupSealer.Open(envelope, []byte("backup"))
		if err != nil {
			return err
		}
		payload = plain
	}

	r := bufio.NewReader(bytes.NewReader(payload))

	idRemap := map[uuid.UUID]uuid.UUID{}
	remap := func(id uuid.UUID) uuid.UUID {
		if nid, ok := idRemap[id]; ok {
			return nid
		}
		return id
	}

	var pendingBranches []*event.BranchRecord

	s.guard.Lock()
	defer s.guard.Unlock()

	for {
		kind, err := r.ReadByte()
		if err != nil {
			break
		}
		data, err := readLenPrefixed(r)
		if err != nil {
			return err
		}
		switch kind {
		case recKindSession:
			sess, err := s.codec.DecodeSession(data)
			if err != nil {
				return errs.NewCorrupt(nil, err)
			}
			if _, lookupErr := s.getSessionLocked(sess.ID); lookupErr == nil {
				newID := uuid.New()
				idRemap[sess.ID] = newID
				sess.ID = newID
			}
			if sess.Parent != nil {
				sess.Parent.SessionID = remap(sess.Parent.SessionID)
			}
			if err := s.putSessionLocked(sess); err != nil {
				return err
			}
		case recKindEvent:
			ev, err := s.codec.DecodeEvent(data)
			if err != nil {
				return errs.NewCorrupt(nil, err)
			}
			ev.SessionID = remap(ev.SessionID)
			edata, err := s.codec.EncodeEvent(ev)
			if err != nil {
				return err
			}
			if err := s.putEntity(event.EventKey(ev.SessionID, ev.Sequence), edata); err != nil {
				return err
			}
		case recKindBranch:
			b, err := s.codec.DecodeBranch(data)
			if err != nil {
				return errs.NewCorrupt(nil, err)
			}
			pendingBranches = append(pendingBranches, b)
		default:
			return fmt.Errorf("%w: unknown backup record kind %d", errs.CorruptFormat, kind)
		}
	}

	for _, b := range pendingBranches {
		if _, err := s.getBranchLocked(b.ID); err == nil {
			idRemap[b.ID] = uuid.New()
			b.ID = idRemap[b.ID]
		}
		b.ParentSessionID = remap(b.ParentSessionID)
		bdata, err := s.codec.EncodeBranch(b)
		if err != nil {
			return err
		}
		if err := s.putEntity(event.BranchKey(b.ID), bdata); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) getBranchLocked(id uuid.UUID) (*event.BranchRecord, error) {
	data, ok, err := s.getEntity(event.BranchKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.BranchNotFound, id)
	}
	return s.codec.DecodeBranch(data)
}

func (s *Store) listSessionsLocked() ([]*event.Session, error) {
	cur, err := s.backend.Seek(event.SessionIndexPrefix())
	if err != nil {
		return nil, err
	}
	var out []*event.Session
	prefix := string(event.SessionIndexPrefix())
	for cur.HasNext() {
		k, _, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if len(k) < len(prefix) || string(k[:len(prefix)]) != prefix {
			break
		}
		id, err := uuid.Parse(string(k[len(k)-36:]))
		if err != nil {
			continue
		}
		sess, err := s.getSessionLocked(id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) listAllBranchesLocked() ([]*event.BranchRecord, error) {
	cur, err := s.backend.Seek([]byte("b/"))
	if err != nil {
		return nil, err
	}
	var out []*event.BranchRecord
	for cur.HasNext() {
		k, v, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if len(k) < 2 || string(k[:2]) != "b/" {
			break
		}
		plaintext, err := s.unseal(k, v)
		if err != nil {
			return nil, err
		}
		b, err := s.codec.DecodeBranch(plaintext)
		if err != nil {
			return nil, errs.NewCorrupt(k, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// estimatedEventBytes estimates a session's on-disk footprint for
// CompactionSizeThreshold by summing encoded event lengths; it is an
// estimate, not an exact accounting of page/overflow overhead.
func (s *Store) estimatedEventBytes(sessionID uuid.UUID) (int64, error) {
	cur, err := s.backend.Seek(event.EventPrefix(sessionID))
	if err != nil {
		return 0, err
	}
	prefix := event.EventPrefix(sessionID)
	var total int64
	for cur.HasNext() {
		k, v, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
			break
		}
		total += int64(len(v))
	}
	return total, nil
}

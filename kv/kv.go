// Package kv implements TimeLoop's embedded ordered key-value backend
// and the Store built on top of it: keyed get/put/delete, prefix
// iteration, cross-process file locking with retry, at-rest
// encryption, compaction, and backup/restore.
//
// This file holds the Backend: the thin layer directly over
// bstarplustree/pager that owns the on-disk directory, the advisory
// lock, and meta.toml. store.go builds the session/event/branch
// semantics, codec and crypto wiring, and compaction/backup on top of
// it.
package kv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"

	"github.com/guycipher/timeloop/bstarplustree"
	"github.com/guycipher/timeloop/errs"
	"github.com/guycipher/timeloop/pager"
)

// treeOrder is the BStarPlusTree branching factor. Chosen the same way
// the teacher's own tests do (a small order keeps splits exercised
// even in small test trees); nothing in TimeLoop's semantics depends
// on its exact value.
const treeOrder = 32

// tombstone is the sentinel value Delete writes in place of a real
// value. A read that lands on it reports not-found, following the
// same idiom the teacher's own k4.go uses for its memtable deletes.
var tombstone = []byte("\x00TIMELOOP-TOMBSTONE\x00")

func isTombstone(v []byte) bool {
	return string(v) == string(tombstone)
}

// Backend is the raw ordered KV store for one on-disk directory: an
// index file managed by bstarplustree/pager, an advisory cross-process
// lock, and the directory's meta.toml.
type Backend struct {
	dir  string
	tree *bstarplustree.BStarPlusTree
	flk  *flock.Flock

	pendingWrites int64
}

// metaFile is the on-disk shape of <dir>/meta.toml (spec §6 "External
// Interfaces" / §3 "meta/ reserved keys", persisted as a file instead
// of KV entries because encryption parameters must be readable before
// any KV value can be decrypted).
type metaFile struct {
	FormatVersion     string `toml:"format_version"`
	PersistenceFormat string `toml:"persistence_format"`
	Salt              string `toml:"salt,omitempty"`
	Argon2Time        uint32 `toml:"argon2_time,omitempty"`
	Argon2Memory      uint32 `toml:"argon2_memory,omitempty"`
	Argon2Threads     uint8  `toml:"argon2_threads,omitempty"`
	Argon2KeyLen      uint32 `toml:"argon2_key_len,omitempty"`
}

const currentFormatVersion = "1"

func metaPath(dir string) string { return filepath.Join(dir, "meta.toml") }
func lockPath(dir string) string { return filepath.Join(dir, "LOCK") }
func treePath(dir string) string { return filepath.Join(dir, "index.tlb") }

func readMeta(dir string) (*metaFile, bool, error) {
	path := metaPath(dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, false, nil
	}
	var m metaFile
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, false, fmt.Errorf("decode meta.toml: %w", err)
	}
	return &m, true, nil
}

func writeMeta(dir string, m *metaFile) error {
	tmp := metaPath(dir) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create meta.toml: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode meta.toml: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, metaPath(dir))
}

// lockErrorSubstrings classifies a textual error as lock contention
// per spec §4.2.1. Kept as a plain substring list, the same textual
// classification style the teacher uses elsewhere for I/O errors
// instead of sentinel-wrapping OS errors.
var lockErrorSubstrings = []string{
	"lock",
	"would block",
	"resource temporarily unavailable",
	"another process has locked",
	"database is locked",
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range lockErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// OpenBackend opens (creating if absent) the KV directory at dir,
// acquiring the advisory cross-process lock with the retry/backoff
// policy of spec §4.2.1: up to 5 attempts, 100ms*2^n backoff, bounded
// overall by openTimeoutMs when positive.
func OpenBackend(dir string, openTimeoutMs int) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	flk := flock.New(lockPath(dir))

	deadline := time.Time{}
	if openTimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(openTimeoutMs) * time.Millisecond)
	}

	const maxAttempts = 5
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attempts++
		ok, err := flk.TryLock()
		if err != nil {
			if !isLockError(err) {
				return nil, err
			}
			lastErr = err
		} else if ok {
			lastErr = nil
			break
		} else {
			lastErr = fmt.Errorf("another process has locked the store at %s", dir)
		}

		if attempt == maxAttempts-1 {
			break
		}

		backoff := time.Duration(100*(1<<uint(attempt))) * time.Millisecond
		if !deadline.IsZero() && time.Now().Add(backoff).After(deadline) {
			break
		}
		time.Sleep(backoff)
	}

	if lastErr != nil {
		return nil, &errs.LockContendedError{Attempts: attempts, Waited: "retry budget exhausted"}
	}

	tree, err := bstarplustree.Open(treePath(dir), os.O_RDWR|os.O_CREATE, 0o644, treeOrder)
	if err != nil {
		flk.Unlock()
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Backend{dir: dir, tree: tree, flk: flk}, nil
}

// Dir returns the backend's on-disk directory.
func (b *Backend) Dir() string { return b.dir }

// Get returns the latest live value for key, or ok=false if absent or
// tombstoned.
func (b *Backend) Get(key []byte) (value []byte, ok bool, err error) {
	v, found, err := b.tree.GetLatest(key)
	if err != nil {
		return nil, false, err
	}
	if !found || isTombstone(v) {
		return nil, false, nil
	}
	return v, true, nil
}

// Put writes value under key. Because the underlying tree is
// append-only, this appends a new version; GetLatest/Get always
// observe the newest one.
func (b *Backend) Put(key, value []byte) error {
	atomic.AddInt64(&b.pendingWrites, 1)
	defer atomic.AddInt64(&b.pendingWrites, -1)
	return b.tree.Put(key, value, nil)
}

// Delete soft-deletes key by writing the tombstone sentinel.
func (b *Backend) Delete(key []byte) error {
	atomic.AddInt64(&b.pendingWrites, 1)
	defer atomic.AddInt64(&b.pendingWrites, -1)
	return b.tree.Put(key, tombstone, nil)
}

// PendingWrites is the observational counter from spec §4.2.2.
func (b *Backend) PendingWrites() uint32 {
	return uint32(atomic.LoadInt64(&b.pendingWrites))
}

// Flush forces durability of all buffered writes.
func (b *Backend) Flush() error {
	return b.tree.Pager.ForceSync()
}

// Close flushes and releases the backend's directory lock.
func (b *Backend) Close() error {
	closeErr := b.tree.Close()
	if err := b.flk.Unlock(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

// Cursor walks live (non-tombstoned) key/value pairs in ascending key
// order, starting at the first key >= from.
type Cursor struct {
	it   *bstarplustree.InOrderIterator
	next *bstarplustree.Key
}

// Seek returns a Cursor positioned at the first live key >= from. Pass
// a nil/empty from to scan the whole tree.
func (b *Backend) Seek(from []byte) (*Cursor, error) {
	it, err := bstarplustree.NewSeekIterator(b.tree, from)
	if err != nil {
		return nil, err
	}
	c := &Cursor{it: it}
	c.advance()
	return c, nil
}

func (c *Cursor) advance() {
	for c.it.HasNext() {
		k, err := c.it.Next()
		if err != nil {
			c.next = nil
			return
		}
		if len(k.V) == 0 {
			continue
		}
		c.next = k
		return
	}
	c.next = nil
}

// HasNext reports whether another live key/value pair remains.
func (c *Cursor) HasNext() bool {
	for c.next != nil {
		v, err := c.it.GetBSPT().ReadValuePage(c.next.V[len(c.next.V)-1])
		if err != nil || !isTombstone(v) {
			return true
		}
		c.advance()
	}
	return false
}

// Next returns the next live key/value pair and advances the cursor.
// Tombstoned keys are skipped transparently.
func (c *Cursor) Next() (key, value []byte, err error) {
	for c.next != nil {
		k := c.next
		value, err = c.it.GetBSPT().ReadValuePage(k.V[len(k.V)-1])
		if err != nil {
			return nil, nil, err
		}
		c.advance()
		if isTombstone(value) {
			continue
		}
		return k.K, value, nil
	}
	return nil, nil, fmt.Errorf("cursor exhausted")
}

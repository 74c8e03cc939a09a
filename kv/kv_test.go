package kv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/guycipher/timeloop/errs"
)

func TestIsLockErrorClassifiesKnownSubstrings(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"resource temporarily unavailable", true},
		{"Database is LOCKED", true},
		{"another process has locked the store", true},
		{"would block", true},
		{"permission denied", false},
		{"no such file or directory", false},
	}
	for _, c := range cases {
		if got := isLockError(errors.New(c.msg)); got != c.want {
			t.Errorf("isLockError(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
	if isLockError(nil) {
		t.Error("isLockError(nil) should be false")
	}
}

func TestBackendPutGetDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	b, err := OpenBackend(dir, 0)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	if err := b.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := b.Get([]byte("k1"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := b.Delete([]byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = b.Get([]byte("k1"))
	if err != nil || ok {
		t.Fatalf("expected tombstoned key to read as absent, ok=%v err=%v", ok, err)
	}
}

// A Put after a Delete of the same key must be visible again: the tree
// is append-only, so GetLatest must resolve to the newest version, not
// just the newest non-tombstone.
func TestBackendPutAfterDeleteRevives(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	b, err := OpenBackend(dir, 0)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	if err := b.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Delete([]byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Put([]byte("k1"), []byte("v2")); err != nil {
		t.Fatalf("Put after delete: %v", err)
	}
	v, ok, err := b.Get([]byte("k1"))
	if err != nil || !ok || string(v) != "v2" {
		t.Fatalf("Get after revive: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestBackendSeekOrdersKeysAndSkipsTombstones(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	b, err := OpenBackend(dir, 0)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := b.Put([]byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	if err := b.Delete([]byte("b")); err != nil {
		t.Fatalf("Delete b: %v", err)
	}

	cur, err := b.Seek(nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	var keys []string
	for cur.HasNext() {
		k, _, err := cur.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		keys = append(keys, string(k))
	}
	want := []string{"a", "c", "d"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
}

// PendingWrites must return to zero once all writes have completed,
// per spec §4.2.2's "decrement on all exit paths" discipline.
func TestBackendPendingWritesReturnsToZero(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	b, err := OpenBackend(dir, 0)
	if err != nil {
		t.Fatalf("OpenBackend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	for i := 0; i < 5; i++ {
		if err := b.Put([]byte{byte(i)}, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if got := b.PendingWrites(); got != 0 {
		t.Fatalf("expected PendingWrites to settle at 0, got %d", got)
	}
}

// S9/S3: open fails with LockContended once the directory lock is
// already held and cannot be acquired within the retry budget.
func TestOpenBackendLockContendedWhenAlreadyLocked(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	first, err := OpenBackend(dir, 0)
	if err != nil {
		t.Fatalf("first OpenBackend: %v", err)
	}
	t.Cleanup(func() { first.Close() })

	_, err = OpenBackend(dir, 300)
	if !errors.Is(err, errs.LockContended) {
		t.Fatalf("expected errs.LockContended, got %v", err)
	}
}

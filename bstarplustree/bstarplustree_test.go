package bstarplustree

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestTree(t *testing.T) *BStarPlusTree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	tree, err := Open(path, os.O_RDWR|os.O_CREATE, 0644, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree
}

func TestBStarPlusTree_OpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	tree, err := Open(path, os.O_RDWR|os.O_CREATE, 0644, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestBStarPlusTree_InsertRetrieve(t *testing.T) {
	tree := openTestTree(t)

	key := []byte("key1")
	value := []byte("value1")
	if err := tree.Put(key, value, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	iter, err := tree.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !iter.HasNext() {
		t.Fatalf("expected to find key %v", key)
	}
	got, err := iter.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(got) != string(value) {
		t.Fatalf("expected value %v, got %v", value, got)
	}
}

func TestBStarPlusTree_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	tree, err := Open(path, os.O_RDWR|os.O_CREATE, 0644, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tree.Put([]byte("key1"), []byte("value1"), nil); err != nil {
		t.Fatalf("Put key1: %v", err)
	}
	if err := tree.Put([]byte("key2"), []byte("value2"), nil); err != nil {
		t.Fatalf("Put key2: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tree, err = Open(path, os.O_RDWR, 0644, 4)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tree.Close()

	for k, want := range map[string]string{"key1": "value1", "key2": "value2"} {
		it, err := tree.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%s): %v", k, err)
		}
		got, err := it.Next()
		if err != nil {
			t.Fatalf("Next(%s): %v", k, err)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Fatalf("%s: expected %v, got %v", k, want, got)
		}
	}
}

// Duplicate Put of an existing key appends a new version; Get (the
// teacher's all-versions iterator) still sees both, oldest first.
func TestBStarPlusTree_DuplicateKeysKeepAllVersions(t *testing.T) {
	tree := openTestTree(t)

	key := []byte("key1")
	if err := tree.Put(key, []byte("value1"), nil); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := tree.Put(key, []byte("value2"), nil); err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	iter, err := tree.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var values [][]byte
	for iter.HasNext() {
		v, err := iter.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		values = append(values, v)
	}
	if len(values) != 2 || string(values[0]) != "value1" || string(values[1]) != "value2" {
		t.Fatalf("expected [value1 value2], got %v", values)
	}
}

// GetLatest is TimeLoop's overwrite-on-top-of-append-only-tree read:
// it must return only the newest version.
func TestBStarPlusTree_GetLatestReturnsNewestVersion(t *testing.T) {
	tree := openTestTree(t)
	key := []byte("key1")
	for i := 0; i < 3; i++ {
		if err := tree.Put(key, []byte(fmt.Sprintf("v%d", i)), nil); err != nil {
			t.Fatalf("Put v%d: %v", i, err)
		}
	}
	got, ok, err := tree.GetLatest(key)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if !ok || string(got) != "v2" {
		t.Fatalf("expected latest version v2, got %q (ok=%v)", got, ok)
	}
}

func TestBStarPlusTree_SplitNodes(t *testing.T) {
	tree := openTestTree(t)
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		value := []byte(fmt.Sprintf("value%d", i))
		if err := tree.Put(key, value, nil); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		got, ok, err := tree.GetLatest(key)
		if err != nil {
			t.Fatalf("GetLatest %d: %v", i, err)
		}
		want := fmt.Sprintf("value%d", i)
		if !ok || string(got) != want {
			t.Fatalf("key%04d: expected %q, got %q (ok=%v)", i, want, got, ok)
		}
	}
}

func TestBStarPlusTree_InOrderIterator(t *testing.T) {
	tree := openTestTree(t)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		value := []byte(fmt.Sprintf("value%d", i))
		if err := tree.Put(key, value, nil); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	iter, err := NewInOrderIterator(tree)
	if err != nil {
		t.Fatalf("NewInOrderIterator: %v", err)
	}

	var keys []string
	for iter.HasNext() {
		k, err := iter.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		keys = append(keys, string(k.K))
	}
	// Lexical order of "key0".."key9" (single digit, so this is already
	// ascending) must match byte-wise tree order.
	want := []string{"key0", "key1", "key2", "key3", "key4", "key5", "key6", "key7", "key8", "key9"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(keys), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d: expected %s, got %s", i, want[i], keys[i])
		}
	}
}

// NewSeekIterator is new in TimeLoop (the teacher's iterator only ever
// starts from the leftmost leaf): it must resume an in-order walk from
// an arbitrary starting key instead of replaying everything before it.
func TestBStarPlusTree_SeekIteratorStartsMidTree(t *testing.T) {
	tree := openTestTree(t)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%02d", i))
		value := []byte(fmt.Sprintf("value%d", i))
		if err := tree.Put(key, value, nil); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	iter, err := NewSeekIterator(tree, []byte("key10"))
	if err != nil {
		t.Fatalf("NewSeekIterator: %v", err)
	}

	var keys []string
	for iter.HasNext() {
		k, err := iter.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		keys = append(keys, string(k.K))
	}
	if len(keys) != 10 {
		t.Fatalf("expected 10 keys from key10..key19, got %d: %v", len(keys), keys)
	}
	if keys[0] != "key10" {
		t.Fatalf("expected seek to land on key10, got %s", keys[0])
	}
}

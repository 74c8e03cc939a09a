package pager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pgr")
	p, err := OpenPager(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestWriteAndGetPage(t *testing.T) {
	p := openTestPager(t)

	data := []byte("hello timeloop")
	pageID, err := p.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := p.GetPage(pageID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if !bytes.Equal(bytes.TrimRight(got, "\x00"), data) {
		t.Fatalf("expected %q, got %q", data, bytes.TrimRight(got, "\x00"))
	}
}

// Data larger than PAGE_SIZE must chain across overflow pages and be
// reassembled transparently by GetPage.
func TestOverflowChaining(t *testing.T) {
	p := openTestPager(t)

	data := bytes.Repeat([]byte("x"), PAGE_SIZE*3+17)
	pageID, err := p.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := p.GetPage(pageID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if !bytes.Equal(got[:len(data)], data) {
		t.Fatalf("overflow chain did not round-trip: got %d bytes, want %d", len(got), len(data))
	}
}

func TestWriteToOverwritesExistingPage(t *testing.T) {
	p := openTestPager(t)

	pageID, err := p.Write([]byte("first"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.WriteTo(pageID, []byte("second")); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := p.GetPage(pageID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if !bytes.Equal(bytes.TrimRight(got, "\x00"), []byte("second")) {
		t.Fatalf("expected overwritten page to read back \"second\", got %q", bytes.TrimRight(got, "\x00"))
	}
}

// ForceSync is new for TimeLoop (Store.Flush's durability boundary);
// the teacher only ever waits for the periodic tick or Close.
func TestForceSync(t *testing.T) {
	p := openTestPager(t)
	if _, err := p.Write([]byte("durable")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.ForceSync(); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
}

func TestCountTracksPagesWritten(t *testing.T) {
	p := openTestPager(t)
	if p.Count() != 0 {
		t.Fatalf("expected 0 pages initially, got %d", p.Count())
	}
	if _, err := p.Write([]byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := p.Write([]byte("b")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if p.Count() != 2 {
		t.Fatalf("expected 2 pages, got %d", p.Count())
	}
}

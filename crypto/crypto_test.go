package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/guycipher/timeloop/errs"
)

func fastParams() Argon2Params {
	// Cheap parameters so the test suite doesn't pay a real KDF's cost;
	// production callers use DefaultArgon2Params.
	return Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32}
}

func TestSealOpenRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key := DeriveKey([]byte("hunter2"), salt, fastParams())
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	plaintext := []byte("echo secret\nsecret\n")
	aad := []byte("e/session-a/0000000000000001")

	envelope, err := sealer.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := sealer.Open(envelope, aad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	salt, _ := NewSalt()
	key1 := DeriveKey([]byte("hunter2"), salt, fastParams())
	key2 := DeriveKey([]byte("wrong"), salt, fastParams())

	sealer1, _ := NewSealer(key1)
	sealer2, _ := NewSealer(key2)

	envelope, err := sealer1.Seal([]byte("payload"), []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := sealer2.Open(envelope, []byte("aad")); !errors.Is(err, errs.AuthenticationFailed) {
		t.Fatalf("expected AuthenticationFailed opening with the wrong key, got %v", err)
	}
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	salt, _ := NewSalt()
	key := DeriveKey([]byte("hunter2"), salt, fastParams())
	sealer, _ := NewSealer(key)

	envelope, err := sealer.Seal([]byte("payload"), []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tampered := append([]byte(nil), envelope...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := sealer.Open(tampered, []byte("aad")); !errors.Is(err, errs.AuthenticationFailed) {
		t.Fatalf("expected AuthenticationFailed on a tampered envelope, got %v", err)
	}
}

func TestOpenRejectsMismatchedAAD(t *testing.T) {
	salt, _ := NewSalt()
	key := DeriveKey([]byte("hunter2"), salt, fastParams())
	sealer, _ := NewSealer(key)

	envelope, err := sealer.Seal([]byte("payload"), []byte("key-a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := sealer.Open(envelope, []byte("key-b")); !errors.Is(err, errs.AuthenticationFailed) {
		t.Fatalf("expected AuthenticationFailed when a ciphertext is relocated under a different AAD key, got %v", err)
	}
}

func TestNoncesAreNotReused(t *testing.T) {
	salt, _ := NewSalt()
	key := DeriveKey([]byte("hunter2"), salt, fastParams())
	sealer, _ := NewSealer(key)

	e1, _ := sealer.Seal([]byte("same plaintext"), []byte("aad"))
	e2, _ := sealer.Seal([]byte("same plaintext"), []byte("aad"))

	if bytes.Equal(e1[:12], e2[:12]) {
		t.Fatal("two seals of identical plaintext produced the same nonce")
	}
}

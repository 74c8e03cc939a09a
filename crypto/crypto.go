// Package crypto implements TimeLoop's at-rest encryption envelope
// (spec §4.3): an Argon2id-derived key sealing each record with
// ChaCha20-Poly1305, the KV key bytes bound in as associated data so a
// ciphertext can't be replayed under a different key.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/guycipher/timeloop/errs"
)

// Argon2Params records the KDF parameters persisted in meta.toml so a
// later Open with the same passphrase reproduces the same key.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2Params are conservative interactive-use parameters,
// matching the RFC 9106 "low-memory" recommendation.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 4, KeyLen: chacha20poly1305.KeySize}
}

// NewSalt generates a fresh random salt for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey runs Argon2id over passphrase and salt with the given
// parameters, producing a key suitable for Seal/Open.
func DeriveKey(passphrase, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

// Sealer seals and opens records under a single derived key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a derived key (see DeriveKey). key
// must be chacha20poly1305.KeySize bytes.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext, authenticating aad (typically the KV key
// the ciphertext will be stored under) alongside it. The returned
// envelope is [nonce][ciphertext || tag].
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open decrypts an envelope produced by Seal, verifying aad matches
// what was sealed in. Any tamper, wrong key, or wrong aad surfaces
// errs.AuthenticationFailed.
func (s *Sealer) Open(envelope, aad []byte) ([]byte, error) {
	if len(envelope) < s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: envelope shorter than nonce", errs.AuthenticationFailed)
	}
	nonce := envelope[:s.aead.NonceSize()]
	ciphertext := envelope[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.AuthenticationFailed, err)
	}
	return plaintext, nil
}

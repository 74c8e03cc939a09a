// Package errs defines TimeLoop's error taxonomy: a small set of
// sentinel kinds that callers distinguish with errors.Is, matching
// the teacher's own preference for plain error values over
// a dedicated error-handling library.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap one of these with fmt.Errorf("...: %w", Kind)
// so callers can errors.Is against it while still getting a readable
// message.
var (
	LockContended      = errors.New("lock contended")
	SessionNotFound    = errors.New("session not found")
	BranchNotFound     = errors.New("branch not found")
	InvalidBranchPoint = errors.New("invalid branch point")
	SessionClosed      = errors.New("session closed")
	AppendOnlyViolation = errors.New("append-only violation")
	FormatMismatch     = errors.New("persistence format mismatch")
	AuthenticationFailed = errors.New("authentication failed")
	CorruptFormat      = errors.New("corrupt format")
	Cancelled          = errors.New("cancelled")
)

// CorruptKeyError wraps CorruptFormat with the offending key so the
// CLI/diagnostic layer can surface it, per spec §7.
type CorruptKeyError struct {
	Key []byte
	Err error
}

func (e *CorruptKeyError) Error() string {
	return fmt.Sprintf("corrupt record at key %q: %v", e.Key, e.Err)
}

func (e *CorruptKeyError) Unwrap() error {
	return CorruptFormat
}

// NewCorrupt builds a CorruptFormat error carrying the offending key.
func NewCorrupt(key []byte, cause error) error {
	return &CorruptKeyError{Key: append([]byte(nil), key...), Err: cause}
}

// LockContendedError carries the remediation hint the CLI surfaces
// per spec §7.
type LockContendedError struct {
	Attempts int
	Waited   string
}

func (e *LockContendedError) Error() string {
	return fmt.Sprintf("lock contended after %d attempts (%s): another instance of TimeLoop may be running. Close other instances or wait.", e.Attempts, e.Waited)
}

func (e *LockContendedError) Unwrap() error {
	return LockContended
}

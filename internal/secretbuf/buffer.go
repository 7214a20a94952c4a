// Package secretbuf provides a fixed-capacity byte container for key
// material and other secrets, with explicit zeroization and a tracked
// memory-protection state.
//
// The protection state models the three states KeePassXC's own
// CryptoHash/Botan-backed buffers support: Readable (normal), Readonly
// (mutation disallowed), and NoAccess (no access at all, simulating a
// guard page). On platforms where the OS supports it the state is
// enforced with a real mprotect (see protect_unix.go); elsewhere it is
// tracked but not enforced (protect_other.go), the same degrade-gracefully
// split the corpus uses for other per-OS facilities.
package secretbuf

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// ProtectionState is the access permission currently applied to a Buffer's
// underlying memory.
type ProtectionState int

const (
	// Readable allows both reads and writes.
	Readable ProtectionState = iota
	// Readonly allows reads but rejects writes.
	Readonly
	// NoAccess rejects all access to the contents; Len, State, Destroy and
	// the Make* state transitions remain valid.
	NoAccess
)

func (s ProtectionState) String() string {
	switch s {
	case Readable:
		return "readable"
	case Readonly:
		return "readonly"
	case NoAccess:
		return "no-access"
	default:
		return "unknown"
	}
}

var (
	// ErrNoAccess is returned by any operation that requires read or write
	// access while the buffer is in the NoAccess state.
	ErrNoAccess = errors.New("secretbuf: buffer has no-access protection")
	// ErrReadonly is returned by mutating operations on a Readonly buffer.
	ErrReadonly = errors.New("secretbuf: buffer is readonly")
	// ErrLengthMismatch reports operands of different lengths. Equal does
	// not return it: buffers of different lengths compare as unequal
	// (false, nil).
	ErrLengthMismatch = errors.New("secretbuf: length mismatch")
	// ErrDestroyed is returned by any operation on a destroyed buffer.
	ErrDestroyed = errors.New("secretbuf: buffer already destroyed")
)

// Buffer is an owned, mutable byte region with an explicit protection
// state. The zero value is not usable; construct with New or FromBytes.
type Buffer struct {
	data      []byte
	state     ProtectionState
	mapped    bool // true if data is backed by a real mmap region
	destroyed bool
}

// New allocates a zero-filled Buffer of the given length in the requested
// initial protection state.
func New(length int, initial ProtectionState) (*Buffer, error) {
	if length < 0 {
		return nil, fmt.Errorf("secretbuf: negative length %d", length)
	}
	data, mapped := allocateProtected(length)
	b := &Buffer{data: data, mapped: mapped}
	if initial != Readable {
		if err := b.setState(initial); err != nil {
			b.Destroy()
			return nil, err
		}
	}
	return b, nil
}

// FromBytes copies b into a new Readable Buffer. The caller retains
// ownership of the input slice; it is not zeroed.
func FromBytes(src []byte) (*Buffer, error) {
	buf, err := New(len(src), Readable)
	if err != nil {
		return nil, err
	}
	copy(buf.data, src)
	return buf, nil
}

// DecodeBase64 decodes s and returns a Buffer in the requested state.
func DecodeBase64(s string, initial ProtectionState) (*Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("secretbuf: decode base64: %w", err)
	}
	buf, err := FromBytes(raw)
	if err != nil {
		return nil, err
	}
	for i := range raw {
		raw[i] = 0
	}
	if initial != Readable {
		if err := buf.setState(initial); err != nil {
			buf.Destroy()
			return nil, err
		}
	}
	return buf, nil
}

// Len returns the buffer's length. Valid regardless of protection state.
func (b *Buffer) Len() int {
	return len(b.data)
}

// State returns the current protection state.
func (b *Buffer) State() ProtectionState {
	return b.state
}

// MakeReadonly promotes/demotes the buffer to Readonly.
func (b *Buffer) MakeReadonly() error {
	return b.setState(Readonly)
}

// MakeNoAccess promotes the buffer to NoAccess.
func (b *Buffer) MakeNoAccess() error {
	return b.setState(NoAccess)
}

// MakeReadable demotes the buffer back to Readable. Returns an error if
// the platform backend does not support demotion from NoAccess (tracked
// via CanDemote).
func (b *Buffer) MakeReadable() error {
	return b.setState(Readable)
}

func (b *Buffer) setState(target ProtectionState) error {
	if b.destroyed {
		return ErrDestroyed
	}
	if b.state == target {
		return nil
	}
	if err := applyProtection(b.data, b.mapped, target); err != nil {
		return fmt.Errorf("secretbuf: %w", err)
	}
	b.state = target
	return nil
}

// Bytes returns the underlying byte slice for reading. Fails with
// ErrNoAccess if the buffer is in the NoAccess state. The returned slice
// aliases the buffer; callers must not retain it past Destroy.
func (b *Buffer) Bytes() ([]byte, error) {
	if b.destroyed {
		return nil, ErrDestroyed
	}
	if b.state == NoAccess {
		return nil, ErrNoAccess
	}
	return b.data, nil
}

// BytesMut returns the underlying byte slice for writing. Fails unless the
// buffer is Readable.
func (b *Buffer) BytesMut() ([]byte, error) {
	if b.destroyed {
		return nil, ErrDestroyed
	}
	switch b.state {
	case NoAccess:
		return nil, ErrNoAccess
	case Readonly:
		return nil, ErrReadonly
	default:
		return b.data, nil
	}
}

// Base64 returns the standard base64 encoding of the buffer's contents.
func (b *Buffer) Base64() (string, error) {
	raw, err := b.Bytes()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Equal performs a constant-time comparison of two buffers' contents.
// Returns ErrNoAccess if either operand cannot currently be read.
func (b *Buffer) Equal(other *Buffer) (bool, error) {
	if other == nil {
		return false, nil
	}
	lhs, err := b.Bytes()
	if err != nil {
		return false, err
	}
	rhs, err := other.Bytes()
	if err != nil {
		return false, err
	}
	if len(lhs) != len(rhs) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(lhs, rhs) == 1, nil
}

// Increment treats the buffer as a little-endian unsigned counter and adds
// one, wrapping around on overflow. Requires Readable state.
func (b *Buffer) Increment() error {
	raw, err := b.BytesMut()
	if err != nil {
		return err
	}
	carry := byte(1)
	for i := 0; i < len(raw) && carry != 0; i++ {
		sum := uint16(raw[i]) + uint16(carry)
		raw[i] = byte(sum)
		carry = byte(sum >> 8)
	}
	return nil
}

// Clone returns a new Buffer with an independent copy of the contents, in
// the Readable state regardless of the source's state (the source must
// currently allow reads).
func (b *Buffer) Clone() (*Buffer, error) {
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return FromBytes(raw)
}

// Destroy overwrites the buffer with zero bytes and releases any backing
// memory mapping. Safe to call multiple times.
func (b *Buffer) Destroy() {
	if b.destroyed {
		return
	}
	if b.mapped {
		// Must be writable to zero it, and the real unmap call ignores
		// the tracked state entirely.
		_ = forceWritable(b.data)
	}
	for i := range b.data {
		b.data[i] = 0
	}
	releaseProtected(b.data, b.mapped)
	b.data = nil
	b.destroyed = true
	b.state = NoAccess
}

//go:build unix

package secretbuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocateProtected reserves an anonymous, page-backed mapping so its
// protection can later be changed with mprotect. Zero-length buffers fall
// back to a plain slice since there is nothing to protect.
func allocateProtected(length int) ([]byte, bool) {
	if length == 0 {
		return []byte{}, false
	}
	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		// Fall back to heap memory; protection state is then tracked
		// but not kernel-enforced.
		return make([]byte, length), false
	}
	return data, true
}

func applyProtection(data []byte, mapped bool, target ProtectionState) error {
	if !mapped || len(data) == 0 {
		return nil
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	switch target {
	case Readonly:
		prot = unix.PROT_READ
	case NoAccess:
		prot = unix.PROT_NONE
	}
	if err := unix.Mprotect(data, prot); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	return nil
}

func forceWritable(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Mprotect(data, unix.PROT_READ|unix.PROT_WRITE)
}

func releaseProtected(data []byte, mapped bool) {
	if mapped && len(data) > 0 {
		_ = unix.Munmap(data)
	}
}

// CanDemote reports whether this platform backend can demote a buffer
// from NoAccess/Readonly back to Readable. True wherever mprotect is
// available, which is every unix target this builds for.
const CanDemote = true

//go:build !unix

package secretbuf

// On platforms without an mprotect-equivalent wired up, the protection
// state is tracked (so Bytes/BytesMut still enforce it) but not backed by
// a kernel guard page.

func allocateProtected(length int) ([]byte, bool) {
	return make([]byte, length), false
}

func applyProtection(_ []byte, _ bool, _ ProtectionState) error {
	return nil
}

func forceWritable(_ []byte) error {
	return nil
}

func releaseProtected(_ []byte, _ bool) {
}

// CanDemote is true here too: demotion is a no-op state-tracking change,
// it just isn't kernel-enforced on this platform.
const CanDemote = true

package connector

import (
	"fmt"
	"strconv"
	"strings"
)

// MinSupportedVersion is the lowest keepassxc-proxy protocol version this
// connector accepts.
const MinSupportedVersion = "2.3.0"

// versionAtLeast reports whether v (dotted "major.minor.patch", missing
// components treated as zero) is >= min. A malformed v is treated as not
// satisfying min, since an unparsable version cannot be trusted.
func versionAtLeast(v, min string) bool {
	vParts, err := parseVersion(v)
	if err != nil {
		return false
	}
	minParts, err := parseVersion(min)
	if err != nil {
		return false
	}
	for i := 0; i < 3; i++ {
		if vParts[i] != minParts[i] {
			return vParts[i] > minParts[i]
		}
	}
	return true
}

func parseVersion(v string) ([3]int, error) {
	var out [3]int
	fields := strings.SplitN(v, ".", 3)
	for i := 0; i < len(fields) && i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(fields[i]))
		if err != nil {
			return out, fmt.Errorf("connector: malformed version %q: %w", v, err)
		}
		out[i] = n
	}
	return out, nil
}

// Package signature normalizes the signatures of driver-library callees so
// later passes can match them by plain name and simple types.
package signature

import (
	"strings"

	"rtcont/internal/cont"
)

const passName = "signature"

// Mangled names look like "\x01?Name@@YAXUArgs@@@Z": an optional marker
// byte, the sigil, the canonical name, the delimiter, the encoded signature
// and the trailing marker.
const (
	mangleMarker    = "\x01"
	mangleSigil     = "?"
	mangleDelimiter = "@@"
	mangleTrailer   = "Z"
)

// IsMangled reports whether name carries the mangling sigil.
func IsMangled(name string) bool {
	return strings.HasPrefix(strings.TrimPrefix(name, mangleMarker), mangleSigil)
}

// Unmangle extracts the canonical name from a mangled driver name.
func Unmangle(name string) (string, error) {
	s := strings.TrimPrefix(name, mangleMarker)
	if !strings.HasPrefix(s, mangleSigil) {
		return "", cont.Malformed(passName, name, "name is not mangled")
	}
	s = s[len(mangleSigil):]
	end := strings.Index(s, mangleDelimiter)
	if end <= 0 {
		return "", cont.Malformed(passName, name, "mangled name has no %q delimiter", mangleDelimiter)
	}
	if !strings.HasSuffix(s, mangleTrailer) {
		return "", cont.Malformed(passName, name, "mangled name does not end with %q", mangleTrailer)
	}
	return s[:end], nil
}

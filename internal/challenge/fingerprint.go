package challenge

import (
	"crypto/sha256"
	"encoding/hex"
)

// FallbackAddress stands in for a request whose client address is unknown.
const FallbackAddress = "127.0.0.1"

const fingerprintLen = sha256.Size * 2

// Fingerprint derives the client fingerprint from its address and
// user-agent: the hex SHA-256 of their concatenation.
func Fingerprint(address, userAgent string) string {
	if address == "" {
		address = FallbackAddress
	}
	sum := sha256.Sum256([]byte(address + userAgent))
	return hex.EncodeToString(sum[:])
}

func validFingerprint(fp string) bool {
	if len(fp) != fingerprintLen {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

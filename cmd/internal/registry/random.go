package registry

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns nBytes of cryptographic randomness as a hex string
// (2*nBytes characters). A non-positive nBytes defaults to 16 bytes.
// Channel and envelope IDs are minted through this.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// rand.Read failing means the platform entropy source is broken;
		// an empty ID is the least bad outcome for a log/correlation value.
		return ""
	}
	return hex.EncodeToString(b)
}

// Package ids provides ID primitives (ULID) shared by the warden subsystems.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID mints a 26-character ULID stamped at "now" (or the current time
// when now is zero). Address-session rows use these as primary keys so that
// insertion order is recoverable from the key alone.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

package token

import "errors"

// Sentinel errors surfaced by the HMAC key policy checks. Callers match
// on these with errors.Is when deciding whether to refuse startup.
var (
	ErrHMACKeyMissing  = errors.New("token HMAC key missing")
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")
)

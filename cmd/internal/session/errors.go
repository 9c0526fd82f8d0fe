package session

import "errors"

var (
	// ErrSessionNotFound is returned by stores when a token hash or account
	// does not match an active, unexpired session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// TransientError marks a storage failure that committed no partial state and
// may be retried by the caller (lock wait cancelled, transaction aborted).
type TransientError struct {
	Err error
}

func (e TransientError) Error() string {
	return "session store transient failure: " + e.Err.Error()
}

func (e TransientError) Unwrap() error { return e.Err }

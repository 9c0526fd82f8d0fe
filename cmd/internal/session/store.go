package session

import (
	"context"
	"time"
)

// Row mirrors the canonical_sessions row.
type Row struct {
	AccountID    string
	TokenHash    string
	Address      string
	UserAgent    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
	Active       bool
}

// Store abstracts persistence for canonical session state.
//
// Implementations must serialize Create per account: two concurrent Create
// calls for the same account must observe each other's writes, while calls
// for different accounts proceed independently.
type Store interface {
	// Create inserts or replaces the account's canonical session and reports
	// whether an active session existed before (i.e. the login superseded it).
	Create(ctx context.Context, now time.Time, accountID, address, userAgent, tokenHash string, expiresAt time.Time) (superseded bool, err error)

	// ValidateByHash loads the active, unexpired session matching tokenHash
	// and applies the sliding-expiry refresh (capped at created_at + ceiling).
	// A miss returns ErrSessionNotFound.
	ValidateByHash(ctx context.Context, now time.Time, tokenHash string, slide, ceiling time.Duration) (Row, error)

	// Touch refreshes last_activity (and slides expiry) for the account's
	// active session. Missing/inactive sessions are not an error.
	Touch(ctx context.Context, now time.Time, accountID string, slide, ceiling time.Duration) error

	// Invalidate flips the account's session to inactive. Idempotent: returns
	// true when a previously-active row was flipped, false otherwise.
	Invalidate(ctx context.Context, now time.Time, accountID string) (bool, error)

	// SweepExpired deletes rows that are expired or inactive, returning the
	// number removed. Must not contend with Create's critical section.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

package registry

import (
	"context"
	"time"

	"warden/cmd/internal/geo"
)

// AddressSession is the persisted record of an account's activity from one
// address. It is authoritative across process restarts; the in-process
// Channel map is only a cache of it for fast push.
type AddressSession struct {
	ID             string
	AccountID      string
	Address        string
	City           string
	Country        string
	Latitude       float64
	Longitude      float64
	ConnectedAt    time.Time
	LastActivityAt time.Time
	ChannelID      string
}

// Location returns the stored resolved location.
func (s AddressSession) Location() geo.Location {
	return geo.Location{
		City:      s.City,
		Country:   s.Country,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	}
}

// RegisterInput describes one channel registration.
type RegisterInput struct {
	AccountID string
	Address   string
	ChannelID string
	Location  geo.Location
	Now       time.Time

	// DefaultLimit applies when the account carries no explicit policy.
	DefaultLimit int
}

// RegisterResult is the outcome of an admission decision.
type RegisterResult struct {
	// NewAddress is true when the account had no session from this address
	// before this registration.
	NewAddress bool

	// EvictedAddress is the address removed to make room ("" when none).
	EvictedAddress string

	// Limit is the effective max-concurrent-addresses policy applied.
	Limit int
}

// AddressStore persists per-(account, address) activity sessions.
//
// Requirements:
//   - Register must run its read-limit/evict/upsert sequence inside the same
//     per-account critical section used for canonical session creation, so two
//     concurrent registrations cannot both admit past the limit.
//   - Uniqueness per (account_id, address).
type AddressStore interface {
	// Register admits (accountID, address), evicting the least-recently-active
	// address first when the distinct-address limit would be exceeded.
	Register(ctx context.Context, in RegisterInput) (RegisterResult, error)

	// Touch refreshes last_activity_at for the (account, address) row.
	Touch(ctx context.Context, now time.Time, accountID, address string) error

	// Delete removes the (account, address) row(s), returning the count.
	Delete(ctx context.Context, accountID, address string) (int64, error)

	// ListByAccount returns the account's address sessions, most recent first.
	ListByAccount(ctx context.Context, accountID string) ([]AddressSession, error)

	// ListMultiAddressAccounts returns all sessions belonging to accounts with
	// more than one distinct address, grouped by account (input to anomaly
	// classification).
	ListMultiAddressAccounts(ctx context.Context) ([]AddressSession, error)

	// SweepStale deletes rows whose last activity is older than cutoff.
	SweepStale(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryStore is a dev/test fallback when DB is not configured.
//
// It reproduces the Postgres store's serialization contract with a mutex per
// account id (no hashing, so no lock collisions) and a global map lock.
type InMemoryStore struct {
	mu     sync.Mutex
	rows   map[string]Row    // account_id -> row
	byHash map[string]string // token_hash -> account_id

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // account_id -> creation lock
}

// NewInMemoryStore constructs an in-memory canonical session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows:   make(map[string]Row),
		byHash: make(map[string]string),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// Create inserts or replaces the account's canonical session.
func (s *InMemoryStore) Create(ctx context.Context, now time.Time, accountID, address, userAgent, tokenHash string, expiresAt time.Time) (bool, error) {
	if accountID == "" || tokenHash == "" {
		return false, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// Per-account critical section, mirroring the advisory lock.
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	prior, existed := s.rows[accountID]
	if existed {
		delete(s.byHash, prior.TokenHash)
	}

	s.rows[accountID] = Row{
		AccountID:    accountID,
		TokenHash:    tokenHash,
		Address:      address,
		UserAgent:    userAgent,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		LastActivity: now,
		Active:       true,
	}
	s.byHash[tokenHash] = accountID

	return existed && prior.Active, nil
}

// ValidateByHash loads the active session for tokenHash and slides its expiry.
func (s *InMemoryStore) ValidateByHash(ctx context.Context, now time.Time, tokenHash string, slide, ceiling time.Duration) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accountID, ok := s.byHash[tokenHash]
	if !ok {
		return Row{}, ErrSessionNotFound
	}

	row, ok := s.rows[accountID]
	if !ok || row.TokenHash != tokenHash || !row.Active || !row.ExpiresAt.After(now) {
		return Row{}, ErrSessionNotFound
	}

	row.LastActivity = now
	row.ExpiresAt = slideExpiry(row.CreatedAt, now, slide, ceiling)
	s.rows[accountID] = row

	return row, nil
}

// Touch refreshes last_activity for the account's active session.
func (s *InMemoryStore) Touch(ctx context.Context, now time.Time, accountID string, slide, ceiling time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[accountID]
	if !ok || !row.Active || !row.ExpiresAt.After(now) {
		return nil
	}

	row.LastActivity = now
	row.ExpiresAt = slideExpiry(row.CreatedAt, now, slide, ceiling)
	s.rows[accountID] = row
	return nil
}

// Invalidate flips the account's session to inactive (idempotent).
func (s *InMemoryStore) Invalidate(ctx context.Context, now time.Time, accountID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[accountID]
	if !ok || !row.Active {
		return false, nil
	}

	row.Active = false
	row.LastActivity = now
	s.rows[accountID] = row
	return true, nil
}

// SweepExpired deletes expired or inactive rows.
func (s *InMemoryStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for accountID, row := range s.rows {
		if row.ExpiresAt.Before(now) || !row.Active {
			delete(s.rows, accountID)
			delete(s.byHash, row.TokenHash)
			removed++
		}
	}
	return removed, nil
}

// slideExpiry applies the sliding window capped at the hard ceiling.
func slideExpiry(createdAt, now time.Time, slide, ceiling time.Duration) time.Time {
	next := now.Add(slide)
	limit := createdAt.Add(ceiling)
	if next.After(limit) {
		return limit
	}
	return next
}

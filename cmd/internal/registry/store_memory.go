package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"warden/cmd/internal/ids"
)

// InMemoryAddressStore is a dev/test fallback when DB is not configured.
//
// It mirrors the Postgres store's serialization contract with a mutex per
// account id, so the count-then-evict decision in Register stays atomic.
type InMemoryAddressStore struct {
	mu   sync.Mutex
	rows map[string]map[string]AddressSession // account_id -> address -> session

	// Optional per-account policy overrides (max concurrent addresses).
	limits map[string]int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewInMemoryAddressStore constructs an in-memory address session store.
func NewInMemoryAddressStore() *InMemoryAddressStore {
	return &InMemoryAddressStore{
		rows:   make(map[string]map[string]AddressSession),
		limits: make(map[string]int),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryAddressStore) Close() error { return nil }

// SetAccountLimit sets a per-account policy override, mirroring the
// accounts.max_concurrent_addresses column.
func (s *InMemoryAddressStore) SetAccountLimit(accountID string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[accountID] = limit
}

func (s *InMemoryAddressStore) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// Register admits the (account, address) pair, evicting the least recently
// active address when the account is full of other addresses.
func (s *InMemoryAddressStore) Register(ctx context.Context, in RegisterInput) (RegisterResult, error) {
	if in.AccountID == "" || in.Address == "" {
		return RegisterResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return RegisterResult{}, err
	}

	l := s.accountLock(in.AccountID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	res := RegisterResult{Limit: in.DefaultLimit}
	if override, ok := s.limits[in.AccountID]; ok && override > 0 {
		res.Limit = override
	}
	if res.Limit < 1 {
		res.Limit = 1
	}

	byAddr := s.rows[in.AccountID]
	if byAddr == nil {
		byAddr = make(map[string]AddressSession)
		s.rows[in.AccountID] = byAddr
	}

	prior, existed := byAddr[in.Address]
	res.NewAddress = !existed

	if res.NewAddress && len(byAddr) >= res.Limit {
		var victim AddressSession
		first := true
		for _, as := range byAddr {
			if first || as.LastActivityAt.Before(victim.LastActivityAt) ||
				(as.LastActivityAt.Equal(victim.LastActivityAt) && as.ConnectedAt.Before(victim.ConnectedAt)) {
				victim = as
				first = false
			}
		}
		if !first {
			delete(byAddr, victim.Address)
			res.EvictedAddress = victim.Address
		}
	}

	next := AddressSession{
		AccountID:      in.AccountID,
		Address:        in.Address,
		City:           in.Location.City,
		Country:        in.Location.Country,
		Latitude:       in.Location.Latitude,
		Longitude:      in.Location.Longitude,
		ConnectedAt:    in.Now,
		LastActivityAt: in.Now,
		ChannelID:      in.ChannelID,
	}
	if existed {
		next.ID = prior.ID
		next.ConnectedAt = prior.ConnectedAt
	} else {
		id, err := ids.NewULID(in.Now)
		if err != nil {
			return RegisterResult{}, err
		}
		next.ID = id
	}
	byAddr[in.Address] = next

	return res, nil
}

// Touch refreshes last_activity_at for one (account, address) row.
func (s *InMemoryAddressStore) Touch(ctx context.Context, now time.Time, accountID, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	as, ok := s.rows[accountID][address]
	if !ok {
		return nil
	}
	as.LastActivityAt = now
	s.rows[accountID][address] = as
	return nil
}

// Delete removes the (account, address) row.
func (s *InMemoryAddressStore) Delete(ctx context.Context, accountID, address string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byAddr, ok := s.rows[accountID]
	if !ok {
		return 0, nil
	}
	if _, ok := byAddr[address]; !ok {
		return 0, nil
	}
	delete(byAddr, address)
	if len(byAddr) == 0 {
		delete(s.rows, accountID)
	}
	return 1, nil
}

// ListByAccount returns the account's address sessions, most recent first.
func (s *InMemoryAddressStore) ListByAccount(ctx context.Context, accountID string) ([]AddressSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AddressSession
	for _, as := range s.rows[accountID] {
		out = append(out, as)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// ListMultiAddressAccounts returns sessions of accounts with more than one
// distinct address, grouped by account.
func (s *InMemoryAddressStore) ListMultiAddressAccounts(ctx context.Context) ([]AddressSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AddressSession
	for _, byAddr := range s.rows {
		if len(byAddr) < 2 {
			continue
		}
		for _, as := range byAddr {
			out = append(out, as)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// SweepStale deletes rows untouched since cutoff.
func (s *InMemoryAddressStore) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for accountID, byAddr := range s.rows {
		for address, as := range byAddr {
			if as.LastActivityAt.Before(cutoff) {
				delete(byAddr, address)
				removed++
			}
		}
		if len(byAddr) == 0 {
			delete(s.rows, accountID)
		}
	}
	return removed, nil
}

// Package registry tracks the live duplex channels of every connected
// account and enforces the per-account concurrent-address policy.
//
// The in-process channel map is the push surface; the AddressStore is the
// durable record. Admission decisions (limit checks, LRU eviction) happen in
// the store under the per-account critical section, then this package closes
// the evicted channels and notifies the survivors.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"warden/cmd/internal/events"
	"warden/cmd/internal/geo"
	"warden/cmd/internal/observability/metrics"
	v1 "warden/shared/contracts/realtime/v1"
)

// SessionToucher refreshes canonical session activity on heartbeats.
// Satisfied by *session.Service.
type SessionToucher interface {
	Touch(ctx context.Context, now time.Time, accountID string) error
}

// Registry is the process-local live connection registry.
type Registry struct {
	log      *slog.Logger
	store    AddressStore
	resolver *geo.Resolver
	toucher  SessionToucher

	defaultLimit int
	now          func() time.Time

	mu        sync.RWMutex
	byAccount map[string]map[string]*Channel // account_id -> channel_id -> channel
}

// NewRegistry constructs a Registry. toucher may be nil (heartbeats then only
// refresh address activity).
func NewRegistry(log *slog.Logger, store AddressStore, resolver *geo.Resolver, toucher SessionToucher, defaultLimit int) *Registry {
	if defaultLimit <= 0 {
		defaultLimit = DefaultMaxConcurrentAddresses
	}
	if resolver == nil {
		resolver = geo.NewResolver(log, nil)
	}
	return &Registry{
		log:          log,
		store:        store,
		resolver:     resolver,
		toucher:      toucher,
		defaultLimit: defaultLimit,
		now:          func() time.Time { return time.Now().UTC() },
		byAccount:    make(map[string]map[string]*Channel),
	}
}

// Register admits an authenticated channel into the registry.
//
// Order matters: the durable admission (with any eviction) commits first,
// then the evicted address's live channels are told and closed, then the
// account's other channels hear about a genuinely new address.
func (r *Registry) Register(ctx context.Context, ch *Channel) (RegisterResult, error) {
	now := r.now()
	loc := r.resolver.Resolve(ch.Address)

	res, err := r.store.Register(ctx, RegisterInput{
		AccountID:    ch.AccountID,
		Address:      ch.Address,
		ChannelID:    ch.ID,
		Location:     loc,
		Now:          now,
		DefaultLimit: r.defaultLimit,
	})
	if err != nil {
		return RegisterResult{}, err
	}

	if res.EvictedAddress != "" {
		metrics.AddressEvictionsTotal.Inc()
		r.log.Info("registry.evict",
			"account_id", ch.AccountID,
			"evicted_address", res.EvictedAddress,
			"limit", res.Limit,
		)
		r.closeAddress(ch.AccountID, res.EvictedAddress, now)
	}

	if res.NewAddress {
		r.notifyNewAddress(ch, loc, now)
	}

	r.mu.Lock()
	chans := r.byAccount[ch.AccountID]
	if chans == nil {
		chans = make(map[string]*Channel)
		r.byAccount[ch.AccountID] = chans
	}
	chans[ch.ID] = ch
	r.mu.Unlock()

	metrics.ChannelsRegisteredTotal.Inc()
	metrics.LiveChannels.Inc()
	r.log.Info("registry.register",
		"account_id", ch.AccountID,
		"channel_id", ch.ID,
		"address", ch.Address,
		"new_address", res.NewAddress,
	)

	return res, nil
}

// Heartbeat refreshes liveness for the channel and its backing sessions.
func (r *Registry) Heartbeat(ctx context.Context, ch *Channel) {
	now := r.now()
	ch.Beat(now)
	metrics.HeartbeatsTotal.Inc()

	if err := r.store.Touch(ctx, now, ch.AccountID, ch.Address); err != nil {
		r.log.Warn("registry.heartbeat.touch.fail", "account_id", ch.AccountID, "err", err)
	}
	if r.toucher != nil {
		if err := r.toucher.Touch(ctx, now, ch.AccountID); err != nil {
			r.log.Warn("registry.heartbeat.session.fail", "account_id", ch.AccountID, "err", err)
		}
	}
}

// OnDisconnect removes the channel from the registry. When it was the last
// live channel for its (account, address), the durable row is removed too.
func (r *Registry) OnDisconnect(ctx context.Context, ch *Channel) {
	r.mu.Lock()
	chans, ok := r.byAccount[ch.AccountID]
	if ok {
		if _, present := chans[ch.ID]; present {
			delete(chans, ch.ID)
			metrics.LiveChannels.Dec()
		}
		if len(chans) == 0 {
			delete(r.byAccount, ch.AccountID)
		}
	}
	var soleHolder = true
	for _, other := range chans {
		if other.Address == ch.Address {
			soleHolder = false
			break
		}
	}
	r.mu.Unlock()

	if soleHolder {
		if _, err := r.store.Delete(ctx, ch.AccountID, ch.Address); err != nil {
			r.log.Warn("registry.disconnect.delete.fail", "account_id", ch.AccountID, "err", err)
		}
	}

	r.log.Info("registry.disconnect",
		"account_id", ch.AccountID,
		"channel_id", ch.ID,
		"reason", ch.CloseReason(),
	)
}

// ChannelsFor returns a snapshot of the account's live channels.
func (r *Registry) ChannelsFor(accountID string) []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chans := r.byAccount[accountID]
	out := make([]*Channel, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch)
	}
	return out
}

// Len returns the number of live channels across all accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, chans := range r.byAccount {
		n += len(chans)
	}
	return n
}

// ForceDisconnect closes every live channel of the account, returning the
// number of channels closed. Used by the invalidation fanout after the
// terminate notice has been enqueued.
func (r *Registry) ForceDisconnect(accountID, reason string) int {
	closed := 0
	for _, ch := range r.ChannelsFor(accountID) {
		ch.CloseWithReason(reason)
		closed++
	}
	return closed
}

// ForceDisconnectAddress ends one (account, address) pair: every live channel
// on that address gets a terminate notice and is closed, and the durable row
// is removed. Returns the number of channels closed.
func (r *Registry) ForceDisconnectAddress(ctx context.Context, accountID, address string, reason events.Reason) (int, error) {
	payload, _ := json.Marshal(v1.SessionTerminatedPayload{
		Reason:  string(reason),
		Message: reason.HumanMessage(),
	})
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeSessionTerminated,
		ID:        NewRandomHex(10),
		Timestamp: r.now(),
		Data:      payload,
	}

	closed := 0
	for _, ch := range r.ChannelsFor(accountID) {
		if ch.Address != address {
			continue
		}
		ch.TrySend(env)
		ch.CloseWithReason(string(reason))
		closed++
	}
	if closed > 0 {
		r.log.Info("registry.force_disconnect.address",
			"account_id", accountID,
			"address", address,
			"reason", string(reason),
			"closed", closed,
		)
	}

	if _, err := r.store.Delete(ctx, accountID, address); err != nil {
		return closed, err
	}
	return closed, nil
}

// RunSweeper purges dead channels and stale address rows until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = ChannelInactivityTimeout / 2
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := r.now()
			r.sweepChannels(now)

			n, err := r.store.SweepStale(ctx, now.Add(-AddressSessionStaleAfter))
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error("registry.sweep.fail", "err", err)
				}
				continue
			}
			if n > 0 {
				metrics.SweptSessionsTotal.WithLabelValues("address").Add(float64(n))
				r.log.Info("registry.sweep", "removed", n)
			}
		}
	}
}

func (r *Registry) sweepChannels(now time.Time) {
	cutoff := now.Add(-ChannelInactivityTimeout)

	var dead []*Channel
	r.mu.RLock()
	for _, chans := range r.byAccount {
		for _, ch := range chans {
			if ch.LastBeat().Before(cutoff) {
				dead = append(dead, ch)
			}
		}
	}
	r.mu.RUnlock()

	for _, ch := range dead {
		r.log.Info("registry.sweep.channel",
			"account_id", ch.AccountID,
			"channel_id", ch.ID,
			"last_beat", ch.LastBeat(),
		)
		ch.CloseWithReason("inactivity")
		// The gateway's done-watcher calls OnDisconnect, which prunes the map.
	}
}

// closeAddress notifies and closes every live channel on (account, address).
func (r *Registry) closeAddress(accountID, address string, now time.Time) {
	payload, _ := json.Marshal(v1.SessionLimitExceededPayload{
		Message: "Too many concurrent connections from different addresses.",
	})
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeSessionLimitExceeded,
		Timestamp: now,
		Data:      payload,
	}

	for _, ch := range r.ChannelsFor(accountID) {
		if ch.Address != address {
			continue
		}
		ch.TrySend(env)
		ch.CloseWithReason("ip_limit_exceeded")
	}
}

// notifyNewAddress tells the account's other channels about a first sighting.
func (r *Registry) notifyNewAddress(origin *Channel, loc geo.Location, now time.Time) {
	payload, _ := json.Marshal(v1.NewAddressDetectedPayload{
		Address: origin.Address,
		City:    loc.City,
		Country: loc.Country,
	})
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeNewAddressDetected,
		Timestamp: now,
		Data:      payload,
	}

	for _, ch := range r.ChannelsFor(origin.AccountID) {
		if ch.ID == origin.ID {
			continue
		}
		ch.TrySend(env)
	}
}

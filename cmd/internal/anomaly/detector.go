// Package anomaly classifies credential-sharing patterns from the persisted
// address sessions: one account active from geographically distant addresses
// at the same time is unlikely to be one person.
package anomaly

import (
	"context"
	"log/slog"

	"warden/cmd/internal/events"
	"warden/cmd/internal/geo"
	"warden/cmd/internal/registry"
)

// Suspicion thresholds. An account is flagged only when all three hold:
// more than one address, more than one resolved location, and at least one
// pair of locations farther apart than the distance floor.
const (
	minDistinctAddresses = 2
	minDistinctLocations = 2
	distanceFloorKm      = 100
)

// Report is the classification outcome for one account.
type Report struct {
	AccountID             string                    `json:"account_id"`
	DistinctAddressCount  int                       `json:"distinct_address_count"`
	DistinctLocationCount int                       `json:"distinct_location_count"`
	MaxPairwiseDistanceKm int                       `json:"max_pairwise_distance_km"`
	Suspicious            bool                      `json:"suspicious"`
	Sessions              []registry.AddressSession `json:"-"`
}

// DisconnectSummary reports what a disconnect sweep removed.
type DisconnectSummary struct {
	AccountsDisconnected int `json:"accounts_disconnected"`
	SessionsRemoved      int `json:"sessions_removed"`
}

// Disconnector force-closes an account's live channels on a single address
// and removes its durable row. Satisfied by *registry.Registry.
type Disconnector interface {
	ForceDisconnectAddress(ctx context.Context, accountID, address string, reason events.Reason) (int, error)
}

// Detector runs classification over the address store.
type Detector struct {
	log      *slog.Logger
	store    registry.AddressStore
	channels Disconnector
}

// NewDetector constructs a Detector. channels may be nil when only
// classification (not disconnection) is needed; disconnect sweeps then
// remove rows directly without touching live channels.
func NewDetector(log *slog.Logger, store registry.AddressStore, channels Disconnector) *Detector {
	return &Detector{log: log, store: store, channels: channels}
}

// Classify computes the report for one account's sessions.
//
// Sentinel locations (local or unresolvable addresses) count as addresses but
// never as locations, so purely-local traffic cannot trip the distance rule.
func Classify(accountID string, sessions []registry.AddressSession) Report {
	rep := Report{AccountID: accountID, Sessions: sessions}

	addrs := make(map[string]struct{}, len(sessions))
	locKeys := make(map[string]struct{})
	var locs []geo.Location

	for _, s := range sessions {
		addrs[s.Address] = struct{}{}

		loc := s.Location()
		if loc.IsSentinel() {
			continue
		}
		key := loc.City + "\x00" + loc.Country
		if _, seen := locKeys[key]; !seen {
			locKeys[key] = struct{}{}
			locs = append(locs, loc)
		}
	}

	rep.DistinctAddressCount = len(addrs)
	rep.DistinctLocationCount = len(locKeys)

	for i := range locs {
		for j := i + 1; j < len(locs); j++ {
			if d := geo.DistanceKm(locs[i], locs[j]); d > rep.MaxPairwiseDistanceKm {
				rep.MaxPairwiseDistanceKm = d
			}
		}
	}

	rep.Suspicious = rep.DistinctAddressCount >= minDistinctAddresses &&
		rep.DistinctLocationCount >= minDistinctLocations &&
		rep.MaxPairwiseDistanceKm > distanceFloorKm

	return rep
}

// DetectAll classifies every account currently active from more than one
// address, ordered by account id.
func (d *Detector) DetectAll(ctx context.Context) ([]Report, error) {
	sessions, err := d.store.ListMultiAddressAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var (
		out     []Report
		account string
		group   []registry.AddressSession
	)
	flush := func() {
		if len(group) == 0 {
			return
		}
		out = append(out, Classify(account, group))
		group = nil
	}
	for _, s := range sessions {
		if s.AccountID != account {
			flush()
			account = s.AccountID
		}
		group = append(group, s)
	}
	flush()

	return out, nil
}

// DisconnectSuspicious classifies and then disconnects every suspicious
// account's excess addresses. Session rows arrive most-recent first, so the
// freshest address keeps its access; every older address is force-closed
// with the security reason and its row removed. The canonical session
// survives with the kept address.
func (d *Detector) DisconnectSuspicious(ctx context.Context) (DisconnectSummary, error) {
	reports, err := d.DetectAll(ctx)
	if err != nil {
		return DisconnectSummary{}, err
	}

	var sum DisconnectSummary
	for _, rep := range reports {
		if !rep.Suspicious || len(rep.Sessions) < 2 {
			continue
		}

		removed := 0
		for _, s := range rep.Sessions[1:] {
			if err := d.disconnect(ctx, s.AccountID, s.Address); err != nil {
				d.log.Warn("anomaly.disconnect.address.fail", "account_id", s.AccountID, "address", s.Address, "err", err)
				continue
			}
			removed++
		}
		if removed == 0 {
			continue
		}

		sum.AccountsDisconnected++
		sum.SessionsRemoved += removed
		d.log.Info("anomaly.disconnect",
			"account_id", rep.AccountID,
			"kept_address", rep.Sessions[0].Address,
			"addresses", rep.DistinctAddressCount,
			"locations", rep.DistinctLocationCount,
			"max_distance_km", rep.MaxPairwiseDistanceKm,
		)
	}

	return sum, nil
}

func (d *Detector) disconnect(ctx context.Context, accountID, address string) error {
	if d.channels != nil {
		_, err := d.channels.ForceDisconnectAddress(ctx, accountID, address, events.ReasonSecurity)
		return err
	}
	_, err := d.store.Delete(ctx, accountID, address)
	return err
}

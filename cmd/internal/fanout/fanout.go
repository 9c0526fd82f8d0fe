// Package fanout turns invalidation events into terminate notices on the
// account's live channels, then closes those channels.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"

	"warden/cmd/internal/events"
	"warden/cmd/internal/observability/metrics"
	"warden/cmd/internal/registry"
	v1 "warden/shared/contracts/realtime/v1"
)

// ChannelRegistry is the slice of the registry the fanout needs.
// Satisfied by *registry.Registry.
type ChannelRegistry interface {
	ChannelsFor(accountID string) []*registry.Channel
}

// Fanout consumes the invalidation bus.
type Fanout struct {
	log      *slog.Logger
	bus      *events.Bus
	registry ChannelRegistry
}

// New constructs a Fanout.
func New(log *slog.Logger, bus *events.Bus, reg ChannelRegistry) *Fanout {
	return &Fanout{log: log, bus: bus, registry: reg}
}

// Run consumes events until ctx is done or the bus closes. When the bus
// closes, already-buffered events are still drained.
func (f *Fanout) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.bus.Events():
			f.deliver(ev)
		case <-f.bus.Done():
			for {
				select {
				case ev := <-f.bus.Events():
					f.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver pushes the terminate notice to each live channel of the account and
// closes it. Delivery is best effort: a full send queue loses the notice but
// never the close.
func (f *Fanout) deliver(ev events.Invalidation) {
	chans := f.registry.ChannelsFor(ev.AccountID)
	if len(chans) == 0 {
		return
	}

	payload, _ := json.Marshal(v1.SessionTerminatedPayload{
		Reason:  string(ev.Reason),
		Message: ev.Reason.HumanMessage(),
	})
	env := v1.Envelope{
		V:         v1.Version,
		Type:      v1.TypeSessionTerminated,
		ID:        registry.NewRandomHex(10),
		Timestamp: ev.At,
		Data:      payload,
	}

	delivered := 0
	for _, ch := range chans {
		if ch.TrySend(env) {
			delivered++
		}
		ch.CloseWithReason(string(ev.Reason))
	}

	metrics.FanoutDeliveredTotal.Add(float64(delivered))
	f.log.Info("fanout.terminate",
		"account_id", ev.AccountID,
		"reason", string(ev.Reason),
		"channels", len(chans),
		"delivered", delivered,
	)
}

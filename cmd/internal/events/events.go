// Package events carries session-invalidation notices between the canonical
// session store, administrative actions, and the invalidation fanout.
//
// The bus is an explicit in-process bounded channel (not a global emitter).
// It is correct only with a single registry instance per deployment; running
// the live-connection registry in multiple processes would require a shared
// pub/sub topic keyed by account id, which is out of scope here.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Reason classifies why an account's sessions are being invalidated.
type Reason string

const (
	// ReasonSuperseded: a newer login replaced the canonical session.
	ReasonSuperseded Reason = "superseded"
	// ReasonManual: an administrator forced the logout.
	ReasonManual Reason = "manual"
	// ReasonSecurity: the account was flagged by security tooling.
	ReasonSecurity Reason = "security"
	// ReasonExpired: the canonical session reached its expiry.
	ReasonExpired Reason = "expired"
	// ReasonIPLimit: the concurrent-address limit evicted the session.
	ReasonIPLimit Reason = "ip_limit_exceeded"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonSuperseded, ReasonManual, ReasonSecurity, ReasonExpired, ReasonIPLimit:
		return true
	}
	return false
}

// HumanMessage returns the operator-facing text delivered with terminate notices.
func (r Reason) HumanMessage() string {
	switch r {
	case ReasonSuperseded:
		return "Your account was signed in from another device."
	case ReasonManual:
		return "Your session was ended by an administrator."
	case ReasonSecurity:
		return "Your session was ended for security reasons."
	case ReasonExpired:
		return "Your session expired."
	case ReasonIPLimit:
		return "Too many concurrent connections from different addresses."
	default:
		return "Your session was ended."
	}
}

// Invalidation is a single forced-logout notice for an account.
type Invalidation struct {
	AccountID string
	Reason    Reason
	At        time.Time
}

// Bus is a bounded, non-blocking invalidation bus.
//
// Publish never blocks producers: when the buffer is full the event is
// dropped and counted. Delivery is therefore at-most-once, matching the
// best-effort contract of terminate notices.
type Bus struct {
	log *slog.Logger
	ch  chan Invalidation

	done      chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
}

// NewBus constructs a Bus with the given buffer size.
func NewBus(log *slog.Logger, size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{
		log:  log,
		ch:   make(chan Invalidation, size),
		done: make(chan struct{}),
	}
}

// Publish enqueues an invalidation. Returns false when the event was dropped
// (bus full or closed).
func (b *Bus) Publish(ev Invalidation) bool {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.ch <- ev:
		return true
	default:
		n := b.dropped.Add(1)
		b.log.Warn("events.publish.drop", "account_id", ev.AccountID, "reason", string(ev.Reason), "dropped_total", n)
		return false
	}
}

// Events exposes the consumer side of the bus.
func (b *Bus) Events() <-chan Invalidation {
	return b.ch
}

// Done is closed when the bus is shut down.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close stops the bus (idempotent). Publishers must have stopped; consumers
// observe Done and drain what is already buffered.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

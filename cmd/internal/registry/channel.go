package registry

import (
	"sync"
	"time"

	v1 "warden/shared/contracts/realtime/v1"
)

// Channel is one live duplex connection bound to an account and address.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent; the first recorded close reason wins.
type Channel struct {
	ID        string
	AccountID string
	Address   string
	UserAgent string

	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	lastBeat    time.Time
	closeReason string
}

// NewChannel constructs a Channel with a bounded send queue.
func NewChannel(id, accountID, address, userAgent string, sendQueueSize int, now time.Time) *Channel {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Channel{
		ID:        id,
		AccountID: accountID,
		Address:   address,
		UserAgent: userAgent,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		lastBeat:  now,
	}
}

// Done returns a channel that is closed when this channel is shutting down.
func (c *Channel) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Beat records a heartbeat observation.
func (c *Channel) Beat(now time.Time) {
	c.mu.Lock()
	c.lastBeat = now
	c.mu.Unlock()
}

// LastBeat returns the most recent heartbeat time.
func (c *Channel) LastBeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBeat
}

// Close signals the channel goroutines to stop (idempotent).
// It does NOT close Send to keep fanout safe under concurrency.
func (c *Channel) Close() {
	c.CloseWithReason("")
}

// CloseWithReason records reason (first writer wins) and closes the channel.
func (c *Channel) CloseWithReason(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// CloseReason returns the reason recorded at close time ("" if none).
func (c *Channel) CloseReason() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// TrySend enqueues an envelope without blocking. Returns false when the
// channel is shutting down or its queue is full.
func (c *Channel) TrySend(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		// Drop rather than block the caller.
		return false
	}
}

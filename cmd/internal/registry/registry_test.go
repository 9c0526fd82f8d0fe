package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"warden/cmd/internal/events"
	v1 "warden/shared/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeToucher struct {
	mu       sync.Mutex
	accounts []string
}

func (f *fakeToucher) Touch(_ context.Context, _ time.Time, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, accountID)
	return nil
}

func newTestChannel(id, account, address string, now time.Time) *Channel {
	return NewChannel(id, account, address, "test-agent", 16, now)
}

func recvType(t *testing.T, ch *Channel) string {
	t.Helper()
	select {
	case env := <-ch.Send:
		return env.Type
	default:
		return ""
	}
}

func TestRegister_NotifiesOtherChannelsOfNewAddress(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(testLogger(), NewInMemoryAddressStore(), nil, nil, 0)
	r.now = func() time.Time { return now }

	chA := newTestChannel("ch-a", "acct-1", "203.0.113.1", now)
	if _, err := r.Register(context.Background(), chA); err != nil {
		t.Fatalf("register A: %v", err)
	}
	// First channel has no peers to notify.
	if got := recvType(t, chA); got != "" {
		t.Fatalf("chA received %q before any peer connected", got)
	}

	chB := newTestChannel("ch-b", "acct-1", "198.51.100.2", now)
	if _, err := r.Register(context.Background(), chB); err != nil {
		t.Fatalf("register B: %v", err)
	}

	if got := recvType(t, chA); got != v1.TypeNewAddressDetected {
		t.Fatalf("chA received %q, want %q", got, v1.TypeNewAddressDetected)
	}
	if got := recvType(t, chB); got != "" {
		t.Fatalf("origin channel received %q, want nothing", got)
	}

	// Reconnect from a known address notifies nobody.
	chC := newTestChannel("ch-c", "acct-1", "198.51.100.2", now)
	res, err := r.Register(context.Background(), chC)
	if err != nil {
		t.Fatalf("register C: %v", err)
	}
	if res.NewAddress {
		t.Fatalf("known address reported as new")
	}
	if got := recvType(t, chA); got != "" {
		t.Fatalf("chA received %q for a known address", got)
	}
}

func TestRegister_EvictionClosesOnlyEvictedAddress(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(testLogger(), NewInMemoryAddressStore(), nil, nil, 1)
	r.now = func() time.Time { return now }

	chA := newTestChannel("ch-a", "acct-1", "203.0.113.1", now)
	if _, err := r.Register(context.Background(), chA); err != nil {
		t.Fatalf("register A: %v", err)
	}

	chB := newTestChannel("ch-b", "acct-1", "198.51.100.2", now)
	res, err := r.Register(context.Background(), chB)
	if err != nil {
		t.Fatalf("register B: %v", err)
	}
	if res.EvictedAddress != "203.0.113.1" {
		t.Fatalf("evicted %q, want 203.0.113.1", res.EvictedAddress)
	}

	if got := recvType(t, chA); got != v1.TypeSessionLimitExceeded {
		t.Fatalf("evicted channel received %q, want %q", got, v1.TypeSessionLimitExceeded)
	}
	select {
	case <-chA.Done():
	default:
		t.Fatalf("evicted channel not closed")
	}
	if got := chA.CloseReason(); got != "ip_limit_exceeded" {
		t.Fatalf("close reason %q, want ip_limit_exceeded", got)
	}

	select {
	case <-chB.Done():
		t.Fatalf("surviving channel was closed")
	default:
	}
}

func TestHeartbeat_TouchesChannelAndStores(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := NewInMemoryAddressStore()
	toucher := &fakeToucher{}
	r := NewRegistry(testLogger(), store, nil, toucher, 0)
	r.now = func() time.Time { return base }

	ch := newTestChannel("ch-a", "acct-1", "203.0.113.1", base)
	if _, err := r.Register(context.Background(), ch); err != nil {
		t.Fatalf("register: %v", err)
	}

	later := base.Add(30 * time.Second)
	r.now = func() time.Time { return later }
	r.Heartbeat(context.Background(), ch)

	if got := ch.LastBeat(); !got.Equal(later) {
		t.Fatalf("LastBeat = %v, want %v", got, later)
	}

	toucher.mu.Lock()
	touched := len(toucher.accounts)
	toucher.mu.Unlock()
	if touched != 1 {
		t.Fatalf("session touched %d times, want 1", touched)
	}

	list, err := store.ListByAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].LastActivityAt.Equal(later) {
		t.Fatalf("address row not refreshed: %+v", list)
	}
}

func TestOnDisconnect_SoleHolderRemovesRow(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := NewInMemoryAddressStore()
	r := NewRegistry(testLogger(), store, nil, nil, 0)
	r.now = func() time.Time { return now }

	chA := newTestChannel("ch-a", "acct-1", "203.0.113.1", now)
	chB := newTestChannel("ch-b", "acct-1", "203.0.113.1", now)
	for _, ch := range []*Channel{chA, chB} {
		if _, err := r.Register(context.Background(), ch); err != nil {
			t.Fatalf("register %s: %v", ch.ID, err)
		}
	}

	// Another channel still holds the address, so the row survives.
	r.OnDisconnect(context.Background(), chA)
	list, err := store.ListByAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("row removed while the address still had a live channel")
	}

	r.OnDisconnect(context.Background(), chB)
	list, err = store.ListByAccount(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("row not removed after last channel left")
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}
}

func TestForceDisconnect_ClosesEveryAccountChannel(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(testLogger(), NewInMemoryAddressStore(), nil, nil, 0)
	r.now = func() time.Time { return now }

	chA := newTestChannel("ch-a", "acct-1", "203.0.113.1", now)
	chB := newTestChannel("ch-b", "acct-1", "198.51.100.2", now)
	other := newTestChannel("ch-x", "acct-2", "203.0.113.9", now)
	for _, ch := range []*Channel{chA, chB, other} {
		if _, err := r.Register(context.Background(), ch); err != nil {
			t.Fatalf("register %s: %v", ch.ID, err)
		}
	}

	if got := r.ForceDisconnect("acct-1", "manual"); got != 2 {
		t.Fatalf("ForceDisconnect closed %d channels, want 2", got)
	}
	for _, ch := range []*Channel{chA, chB} {
		select {
		case <-ch.Done():
		default:
			t.Fatalf("channel %s not closed", ch.ID)
		}
		if got := ch.CloseReason(); got != "manual" {
			t.Fatalf("channel %s close reason %q, want manual", ch.ID, got)
		}
	}
	select {
	case <-other.Done():
		t.Fatalf("unrelated account's channel was closed")
	default:
	}
}

func TestForceDisconnectAddress_ClosesOnlyThatAddress(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := NewInMemoryAddressStore()
	r := NewRegistry(testLogger(), store, nil, nil, 0)
	r.now = func() time.Time { return now }

	chOld := newTestChannel("ch-old", "acct-1", "203.0.113.1", now)
	chKeep := newTestChannel("ch-keep", "acct-1", "198.51.100.2", now)
	for _, ch := range []*Channel{chOld, chKeep} {
		if _, err := r.Register(ctx, ch); err != nil {
			t.Fatalf("register %s: %v", ch.ID, err)
		}
	}
	// Drain the new-address advisory so the terminate notice is next.
	recvType(t, chOld)

	closed, err := r.ForceDisconnectAddress(ctx, "acct-1", "203.0.113.1", events.ReasonSecurity)
	if err != nil {
		t.Fatalf("force disconnect address: %v", err)
	}
	if closed != 1 {
		t.Fatalf("closed %d channels, want 1", closed)
	}

	if got := recvType(t, chOld); got != v1.TypeSessionTerminated {
		t.Fatalf("chOld received %q, want %q", got, v1.TypeSessionTerminated)
	}
	select {
	case <-chOld.Done():
	default:
		t.Fatalf("chOld not closed")
	}
	if got := chOld.CloseReason(); got != string(events.ReasonSecurity) {
		t.Fatalf("close reason %q, want %q", got, events.ReasonSecurity)
	}
	select {
	case <-chKeep.Done():
		t.Fatalf("surviving address's channel was closed")
	default:
	}

	rows, err := store.ListByAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Address != "198.51.100.2" {
		t.Fatalf("rows = %+v, want only 198.51.100.2", rows)
	}
}

func TestSweepChannels_ClosesInactiveChannels(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewRegistry(testLogger(), NewInMemoryAddressStore(), nil, nil, 0)
	r.now = func() time.Time { return base }

	stale := newTestChannel("ch-stale", "acct-1", "203.0.113.1", base)
	fresh := newTestChannel("ch-fresh", "acct-1", "198.51.100.2", base)
	for _, ch := range []*Channel{stale, fresh} {
		if _, err := r.Register(context.Background(), ch); err != nil {
			t.Fatalf("register %s: %v", ch.ID, err)
		}
	}

	now := base.Add(ChannelInactivityTimeout + time.Second)
	fresh.Beat(now)

	r.sweepChannels(now)

	select {
	case <-stale.Done():
	default:
		t.Fatalf("stale channel not closed")
	}
	if got := stale.CloseReason(); got != "inactivity" {
		t.Fatalf("close reason %q, want inactivity", got)
	}
	select {
	case <-fresh.Done():
		t.Fatalf("fresh channel was closed")
	default:
	}
}

package geo

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestResolve_LocalAddresses(t *testing.T) {
	r := NewResolver(testLogger(), func(ip net.IP) (Location, error) {
		t.Fatalf("lookup called for local address %s", ip)
		return Location{}, nil
	})

	for _, addr := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.10", "::1", "0.0.0.0", "not-an-ip", ""} {
		loc := r.Resolve(addr)
		if loc != LocalLocation() {
			t.Fatalf("Resolve(%q) = %+v, want local sentinel", addr, loc)
		}
	}
}

func TestResolve_SuccessIsCached(t *testing.T) {
	calls := 0
	want := Location{City: "Sao Paulo", Country: "Brazil", Latitude: -23.55, Longitude: -46.63}

	r := NewResolver(testLogger(), func(net.IP) (Location, error) {
		calls++
		return want, nil
	})

	for i := 0; i < 3; i++ {
		if got := r.Resolve("200.10.20.30"); got != want {
			t.Fatalf("Resolve = %+v, want %+v", got, want)
		}
	}
	if calls != 1 {
		t.Fatalf("lookup calls = %d, want 1", calls)
	}
}

func TestResolve_FailureDegradesToUnknownAndIsCachedBriefly(t *testing.T) {
	calls := 0
	r := NewResolver(testLogger(), func(net.IP) (Location, error) {
		calls++
		return Location{}, errors.New("db offline")
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if got := r.Resolve("8.8.8.8"); got != UnknownLocation() {
		t.Fatalf("Resolve = %+v, want unknown sentinel", got)
	}
	if got := r.Resolve("8.8.8.8"); got != UnknownLocation() {
		t.Fatalf("Resolve = %+v, want unknown sentinel", got)
	}
	if calls != 1 {
		t.Fatalf("lookup calls = %d, want 1 (failure cached)", calls)
	}

	// After the miss TTL the backend is retried.
	now = now.Add(cacheTTLMiss + time.Minute)
	_ = r.Resolve("8.8.8.8")
	if calls != 2 {
		t.Fatalf("lookup calls = %d, want 2 after miss TTL", calls)
	}
}

func TestResolve_HitExpiresAfterDayTTL(t *testing.T) {
	calls := 0
	r := NewResolver(testLogger(), func(net.IP) (Location, error) {
		calls++
		return Location{City: "Tokyo", Country: "Japan", Latitude: 35.67, Longitude: 139.65}, nil
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_ = r.Resolve("1.2.3.4")
	now = now.Add(cacheTTLHit - time.Minute)
	_ = r.Resolve("1.2.3.4")
	if calls != 1 {
		t.Fatalf("lookup calls = %d, want 1 inside TTL", calls)
	}

	now = now.Add(2 * time.Minute)
	_ = r.Resolve("1.2.3.4")
	if calls != 2 {
		t.Fatalf("lookup calls = %d, want 2 after TTL", calls)
	}
}

func TestResolve_NilLookup(t *testing.T) {
	r := NewResolver(testLogger(), nil)
	if got := r.Resolve("8.8.8.8"); got != UnknownLocation() {
		t.Fatalf("Resolve = %+v, want unknown sentinel", got)
	}
}

package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"warden/cmd/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()
	bus := events.NewBus(testLogger(), 64)
	svc := NewService(DefaultConfig(), NewInMemoryStore(), bus, testLogger())
	return svc, bus
}

func drainReasons(bus *events.Bus) []events.Reason {
	var out []events.Reason
	for {
		select {
		case ev := <-bus.Events():
			out = append(out, ev.Reason)
		default:
			return out
		}
	}
}

func TestCreate_IssuesValidatableToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	issued, err := svc.Create(ctx, now, "acct-1", "203.0.113.9", "Firefox 128 on Linux")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if issued.Token == "" {
		t.Fatalf("missing token")
	}
	if want := now.Add(DefaultConfig().SlidingWindow); !issued.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", issued.ExpiresAt, want)
	}

	info, err := svc.Validate(ctx, now.Add(time.Minute), issued.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if info == nil {
		t.Fatalf("expected session, got miss")
	}
	if info.AccountID != "acct-1" || info.Address != "203.0.113.9" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestCreate_SupersedesPriorSession(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := svc.Create(ctx, now, "acct-1", "203.0.113.9", "")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if got := drainReasons(bus); len(got) != 0 {
		t.Fatalf("unexpected events after first login: %v", got)
	}

	second, err := svc.Create(ctx, now.Add(time.Minute), "acct-1", "198.51.100.4", "")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if first.Token == second.Token {
		t.Fatalf("tokens must differ")
	}

	reasons := drainReasons(bus)
	if len(reasons) != 1 || reasons[0] != events.ReasonSuperseded {
		t.Fatalf("reasons = %v, want [superseded]", reasons)
	}

	// The old token must be dead, the new one live.
	if info, err := svc.Validate(ctx, now.Add(2*time.Minute), first.Token); err != nil || info != nil {
		t.Fatalf("old token still valid: info=%v err=%v", info, err)
	}
	if info, err := svc.Validate(ctx, now.Add(2*time.Minute), second.Token); err != nil || info == nil {
		t.Fatalf("new token invalid: info=%v err=%v", info, err)
	}
}

func TestValidate_MissReturnsNilNil(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Now().UTC()

	for _, tok := range []string{"", "unknown-token", "  "} {
		info, err := svc.Validate(context.Background(), now, tok)
		if err != nil {
			t.Fatalf("Validate(%q): %v", tok, err)
		}
		if info != nil {
			t.Fatalf("Validate(%q) = %+v, want nil", tok, info)
		}
	}
}

func TestValidate_SlidesExpiryUpToCeiling(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cfg := DefaultConfig()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	issued, err := svc.Create(ctx, created, "acct-1", "203.0.113.9", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ceiling := created.Add(cfg.HardCeiling)

	// Mid-life activity slides by the full window.
	mid := created.Add(10 * time.Minute)
	info, err := svc.Validate(ctx, mid, issued.Token)
	if err != nil || info == nil {
		t.Fatalf("Validate mid-life: info=%v err=%v", info, err)
	}
	if want := mid.Add(cfg.SlidingWindow); !info.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", info.ExpiresAt, want)
	}

	// Activity near the ceiling is capped at created_at + ceiling.
	late := ceiling.Add(-5 * time.Minute)
	info, err = svc.Validate(ctx, late, issued.Token)
	if err != nil || info == nil {
		t.Fatalf("Validate late: info=%v err=%v", info, err)
	}
	if !info.ExpiresAt.Equal(ceiling) {
		t.Fatalf("ExpiresAt = %v, want ceiling %v", info.ExpiresAt, ceiling)
	}

	// Past the ceiling the session is gone no matter the recent activity.
	if info, err := svc.Validate(ctx, ceiling.Add(time.Second), issued.Token); err != nil || info != nil {
		t.Fatalf("expected miss past ceiling: info=%v err=%v", info, err)
	}
}

func TestInvalidate_IdempotentAndAlwaysPublishes(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.Create(ctx, now, "acct-1", "203.0.113.9", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	drainReasons(bus)

	flipped, err := svc.Invalidate(ctx, now, "acct-1", events.ReasonManual)
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if !flipped {
		t.Fatalf("expected flipped=true on first invalidate")
	}

	flipped, err = svc.Invalidate(ctx, now, "acct-1", events.ReasonManual)
	if err != nil {
		t.Fatalf("Invalidate again: %v", err)
	}
	if flipped {
		t.Fatalf("expected flipped=false on repeat invalidate")
	}

	// Both calls publish: live channels may outlive the row.
	if reasons := drainReasons(bus); len(reasons) != 2 {
		t.Fatalf("published %d events, want 2", len(reasons))
	}
}

func TestConcurrentCreate_ExactlyOneSurvivingSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const logins = 16
	tokens := make([]string, logins)

	var wg sync.WaitGroup
	wg.Add(logins)
	for i := 0; i < logins; i++ {
		go func(i int) {
			defer wg.Done()
			issued, err := svc.Create(ctx, now, "acct-race", "203.0.113.9", "")
			if err != nil {
				t.Errorf("Create %d: %v", i, err)
				return
			}
			tokens[i] = issued.Token
		}(i)
	}
	wg.Wait()

	valid := 0
	for _, tok := range tokens {
		info, err := svc.Validate(ctx, now.Add(time.Second), tok)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if info != nil {
			valid++
		}
	}
	if valid != 1 {
		t.Fatalf("surviving sessions = %d, want exactly 1", valid)
	}
}

func TestSweepExpired_RemovesExpiredAndInactive(t *testing.T) {
	store := NewInMemoryStore()
	svc := NewService(DefaultConfig(), store, events.NewBus(testLogger(), 8), testLogger())
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := svc.Create(ctx, now, "acct-live", "203.0.113.9", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, now, "acct-dead", "203.0.113.10", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Invalidate(ctx, now, "acct-dead", events.ReasonManual); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	removed, err := store.SweepExpired(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	// Everything expires once the sliding window lapses without activity.
	removed, err = store.SweepExpired(ctx, now.Add(DefaultConfig().SlidingWindow+time.Minute))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestLoadConfigFromEnv_RejectsSlideOverCeiling(t *testing.T) {
	t.Setenv("WARDEN_SESSION_SLIDING_WINDOW", "48h")
	t.Setenv("WARDEN_SESSION_HARD_CEILING", "24h")

	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

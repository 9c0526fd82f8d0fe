package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"warden/cmd/internal/events"
	"warden/cmd/internal/observability/metrics"
	"warden/cmd/security/token"
)

// Service implements the high-level canonical session operations.
//
// It issues opaque session tokens, validates them with sliding expiry,
// supports idempotent invalidation, and publishes invalidation notices on
// the events bus after the corresponding write has committed.
type Service struct {
	cfg   Config
	store Store
	bus   *events.Bus
	log   *slog.Logger
}

// Issued is the result of creating a canonical session.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Info is the validated view of a canonical session handed to callers.
// It never exposes the token hash.
type Info struct {
	AccountID    string
	Address      string
	UserAgent    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// NewService constructs a Service.
func NewService(cfg Config, store Store, bus *events.Bus, log *slog.Logger) *Service {
	return &Service{cfg: cfg, store: store, bus: bus, log: log}
}

// Create creates (or replaces) the account's canonical session and returns a
// fresh opaque token. If a previous active session existed, a "superseded"
// invalidation is published after the write commits.
//
// Store failures are wrapped in TransientError: nothing was committed and the
// login may be retried.
func (s *Service) Create(ctx context.Context, now time.Time, accountID, address, userAgent string) (Issued, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Issued{}, errors.New("session: empty account id")
	}

	plain, hashHex, err := token.NewOpaque(s.cfg.TokenBytes)
	if err != nil {
		return Issued{}, err
	}

	expiresAt := slideExpiry(now, now, s.cfg.SlidingWindow, s.cfg.HardCeiling)

	superseded, err := s.store.Create(ctx, now, accountID, address, userAgent, hashHex, expiresAt)
	if err != nil {
		return Issued{}, TransientError{Err: err}
	}

	metrics.SessionsCreatedTotal.Inc()
	s.log.Info("session.create", "account_id", accountID, "address", address, "superseded", superseded)

	if superseded {
		s.publish(accountID, events.ReasonSuperseded, now)
	}

	return Issued{Token: plain, ExpiresAt: expiresAt}, nil
}

// Validate looks up a session by its opaque token. A miss returns (nil, nil):
// callers treat the request as unauthenticated, not failed.
func (s *Service) Validate(ctx context.Context, now time.Time, tokenPlain string) (*Info, error) {
	tokenPlain = strings.TrimSpace(tokenPlain)
	// Basic sanity bounds to avoid pathological inputs.
	if tokenPlain == "" || len(tokenPlain) > 4096 {
		return nil, nil
	}

	hashHex := token.HashSessionTokenHex(tokenPlain)

	row, err := s.store.ValidateByHash(ctx, now, hashHex, s.cfg.SlidingWindow, s.cfg.HardCeiling)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &Info{
		AccountID:    row.AccountID,
		Address:      row.Address,
		UserAgent:    row.UserAgent,
		CreatedAt:    row.CreatedAt,
		ExpiresAt:    row.ExpiresAt,
		LastActivity: row.LastActivity,
	}, nil
}

// Invalidate flips the account's canonical session to inactive and publishes
// the invalidation. Idempotent: invalidating an account with no active
// session succeeds and still notifies live channels (they may outlive the
// row, e.g. after a sweep).
func (s *Service) Invalidate(ctx context.Context, now time.Time, accountID string, reason events.Reason) (bool, error) {
	flipped, err := s.store.Invalidate(ctx, now, accountID)
	if err != nil {
		return false, err
	}

	metrics.SessionsInvalidatedTotal.WithLabelValues(string(reason)).Inc()
	s.log.Info("session.invalidate", "account_id", accountID, "reason", string(reason), "flipped", flipped)

	s.publish(accountID, reason, now)
	return flipped, nil
}

// Touch refreshes the account's session activity (best-effort heartbeat path).
func (s *Service) Touch(ctx context.Context, now time.Time, accountID string) error {
	return s.store.Touch(ctx, now, accountID, s.cfg.SlidingWindow, s.cfg.HardCeiling)
}

// RunSweeper periodically removes expired/inactive rows until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now().UTC()
			n, err := s.store.SweepExpired(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error("session.sweep.fail", "err", err)
				}
				continue
			}
			if n > 0 {
				metrics.SweptSessionsTotal.WithLabelValues("canonical").Add(float64(n))
				s.log.Info("session.sweep", "removed", n)
			}
		}
	}
}

func (s *Service) publish(accountID string, reason events.Reason, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Invalidation{AccountID: accountID, Reason: reason, At: at})
}

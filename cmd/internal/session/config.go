package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines the runtime configuration for the canonical session store.
type Config struct {
	// SlidingWindow is how far each observed activity pushes the expiry out.
	SlidingWindow time.Duration

	// HardCeiling is the maximum session lifetime measured from creation.
	// Sliding refreshes never extend a session past created_at + HardCeiling.
	HardCeiling time.Duration

	// TokenBytes is the entropy size for opaque session tokens.
	TokenBytes int

	// SweepInterval controls how often expired/inactive rows are purged.
	SweepInterval time.Duration
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		SlidingWindow: 30 * time.Minute,
		HardCeiling:   24 * time.Hour,
		TokenBytes:    32,
		SweepInterval: 5 * time.Minute,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - WARDEN_SESSION_SLIDING_WINDOW
//   - WARDEN_SESSION_HARD_CEILING
//   - WARDEN_SESSION_TOKEN_BYTES
//   - WARDEN_SESSION_SWEEP_INTERVAL
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("WARDEN_SESSION_SLIDING_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SlidingWindow = d
	}

	if v := os.Getenv("WARDEN_SESSION_HARD_CEILING"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.HardCeiling = d
	}

	if v := os.Getenv("WARDEN_SESSION_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.TokenBytes = n
	}

	if v := os.Getenv("WARDEN_SESSION_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SweepInterval = d
	}

	// Invariant: the sliding window cannot exceed the hard ceiling.
	if cfg.SlidingWindow > cfg.HardCeiling {
		return Config{}, ErrConfig
	}

	return cfg, nil
}

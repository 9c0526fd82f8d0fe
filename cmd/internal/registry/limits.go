package registry

import "time"

// Security/performance limits for the websocket gateway and the registry.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 16 << 10 // 16 KiB

	// DefaultMaxConcurrentAddresses applies when an account carries no policy.
	DefaultMaxConcurrentAddresses = 5
)

const (
	// Heartbeat/liveness defaults (env-overridable in ws_gateway.go / app).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// ChannelInactivityTimeout: a channel silent for longer is presumed dead
	// and purged by the sweeper.
	ChannelInactivityTimeout = 2 * time.Minute

	// AddressSessionStaleAfter: persisted address rows untouched for longer
	// are removed independently of channel liveness.
	AddressSessionStaleAfter = 24 * time.Hour

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

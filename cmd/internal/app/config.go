package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, WARDEN_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and session-token hashing must be HMAC-based.
	RequireTokenHMAC bool

	// AdminToken gates /admin/* and /internal/*. Empty disables that surface.
	AdminToken string

	// MaxConcurrentAddresses is the default per-account address limit.
	MaxConcurrentAddresses int

	// GeoDBPath points at a MaxMind City database. Empty means every public
	// address resolves to the unknown location.
	GeoDBPath string

	// EventBusSize bounds the invalidation bus buffer.
	EventBusSize int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("WARDEN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WARDEN_LOG_LEVEL", "info"),
		LogFormat: EnvString("WARDEN_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WARDEN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WARDEN_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WARDEN_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WARDEN_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WARDEN_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("WARDEN_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("WARDEN_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("WARDEN_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("WARDEN_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("WARDEN_REQUIRE_TOKEN_HMAC", false),

		AdminToken: EnvString("WARDEN_ADMIN_TOKEN", ""),

		MaxConcurrentAddresses: EnvInt("WARDEN_MAX_CONCURRENT_ADDRESSES", 0),

		GeoDBPath: EnvString("WARDEN_GEOIP_DB", ""),

		EventBusSize: EnvInt("WARDEN_EVENT_BUS_SIZE", 256),
	}
}

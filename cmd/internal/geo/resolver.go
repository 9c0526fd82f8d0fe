// Package geo resolves network addresses to approximate locations.
//
// Lookups are backed by a MaxMind GeoLite2-City database and memoized in a
// TTL cache. Loopback/private addresses short-circuit to a sentinel location
// without any lookup. Resolution never fails from the caller's perspective:
// lookup errors degrade to an "Unknown" location with a short cache TTL so
// connection admission is never blocked on geolocation.
package geo

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
)

const (
	cacheTTLHit  = 24 * time.Hour
	cacheTTLMiss = 1 * time.Hour
)

// Location is an approximate geographic location for an address.
type Location struct {
	City      string  `json:"city"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocalLocation is the sentinel for loopback/private/unroutable addresses.
func LocalLocation() Location {
	return Location{City: "Local", Country: "Unknown"}
}

// UnknownLocation is the fallback when a lookup fails or is unavailable.
func UnknownLocation() Location {
	return Location{City: "Unknown", Country: "Unknown"}
}

// HasCoordinates reports whether the location carries usable coordinates.
// (0, 0) is treated as "no fix" rather than a point in the Gulf of Guinea;
// resolved city locations are never exactly there.
func (l Location) HasCoordinates() bool {
	return l.Latitude != 0 || l.Longitude != 0
}

// IsSentinel reports whether the location is one of the Local/Unknown sentinels.
func (l Location) IsSentinel() bool {
	return !l.HasCoordinates() && (l.City == "Local" || l.City == "Unknown")
}

// LookupFunc resolves a parsed public IP to a location.
type LookupFunc func(ip net.IP) (Location, error)

type cacheEntry struct {
	loc       Location
	expiresAt time.Time
}

// Resolver memoizes LookupFunc results with success/failure TTLs.
//
// A nil lookup func is valid: all public addresses resolve to Unknown.
// Safe for concurrent use.
type Resolver struct {
	log    *slog.Logger
	lookup LookupFunc

	mu    sync.Mutex
	cache map[string]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

// NewResolver constructs a Resolver around lookup (which may be nil).
func NewResolver(log *slog.Logger, lookup LookupFunc) *Resolver {
	return &Resolver{
		log:    log,
		lookup: lookup,
		cache:  make(map[string]cacheEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve maps an address to a location. It never returns an error:
// unparseable or unroutable addresses yield the Local sentinel, failed
// lookups yield Unknown (cached briefly so a flapping backend is not hammered).
func (r *Resolver) Resolve(addr string) Location {
	ip := net.ParseIP(addr)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return LocalLocation()
	}

	now := r.now()

	r.mu.Lock()
	if e, ok := r.cache[addr]; ok && e.expiresAt.After(now) {
		r.mu.Unlock()
		return e.loc
	}
	r.mu.Unlock()

	loc, ttl := r.resolveUncached(ip)

	r.mu.Lock()
	r.cache[addr] = cacheEntry{loc: loc, expiresAt: now.Add(ttl)}
	// Opportunistic expiry of dead entries keeps the map bounded under churn.
	for k, e := range r.cache {
		if !e.expiresAt.After(now) {
			delete(r.cache, k)
		}
	}
	r.mu.Unlock()

	return loc
}

func (r *Resolver) resolveUncached(ip net.IP) (Location, time.Duration) {
	if r.lookup == nil {
		return UnknownLocation(), cacheTTLMiss
	}

	loc, err := r.lookup(ip)
	if err != nil {
		r.log.Info("geo.lookup.fail", "ip", ip.String(), "err", err)
		return UnknownLocation(), cacheTTLMiss
	}
	return loc, cacheTTLHit
}

// OpenMaxMind opens a MaxMind GeoLite2-City database and returns a LookupFunc
// plus a close function for shutdown.
func OpenMaxMind(dbPath string) (LookupFunc, func() error, error) {
	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("geo: open maxmind database: %w", err)
	}

	lookup := func(ip net.IP) (Location, error) {
		record, err := db.City(ip)
		if err != nil {
			return Location{}, fmt.Errorf("geo: city lookup: %w", err)
		}
		return Location{
			City:      englishName(record.City.Names),
			Country:   englishName(record.Country.Names),
			Latitude:  record.Location.Latitude,
			Longitude: record.Location.Longitude,
		}, nil
	}

	return lookup, db.Close, nil
}

// englishName prefers the English name, falling back to any available one.
func englishName(names map[string]string) string {
	if name, ok := names["en"]; ok {
		return name
	}
	for _, name := range names {
		return name
	}
	return ""
}

// Package netinfo extracts the client address and a user-agent summary from
// HTTP requests, for use by the login path and the websocket gateway.
package netinfo

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// ClientAddress extracts the originating client IP from a request.
// It checks common proxy headers first, then falls back to RemoteAddr.
func ClientAddress(r *http.Request) string {
	// X-Forwarded-For is a comma-separated list; first entry is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not carry a port.
		return r.RemoteAddr
	}
	return host
}

// UserAgentSummary condenses a raw User-Agent header into "Browser x.y on OS"
// for admin session listings. The raw string is kept alongside on the channel.
func UserAgentSummary(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown"
	}

	parsed := useragent.New(raw)

	browser, version := parsed.Browser()
	if browser == "" {
		return raw
	}
	if version != "" {
		browser = browser + " " + version
	}

	osInfo := parsed.OSInfo()
	if osInfo.Name != "" {
		return browser + " on " + osInfo.Name
	}
	return browser
}

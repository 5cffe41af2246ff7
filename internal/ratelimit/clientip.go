package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller IP: the first X-Forwarded-For entry, then
// X-Real-IP, then the socket address, then "unknown".
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.Index(xff, ","); idx != -1 {
			first = xff[:idx]
		}
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return strings.Trim(r.RemoteAddr, "[]")
	}

	return "unknown"
}

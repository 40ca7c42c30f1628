package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP address from the request. When trustProxy
// is set, the X-Forwarded-For and X-Real-IP headers are consulted;
// trustedProxyCount says how many proxies to trust counting from the right
// of the X-Forwarded-For list. Only set trustProxy when the server sits
// behind a reverse proxy that strips client-supplied forwarding headers.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwardedFor picks the client IP out of an X-Forwarded-For
// list. The header reads "client, proxy1, proxy2, ..."; the rightmost
// entries were appended by proxies under our control, so the client is at
// len(ips) - trustedProxyCount - 1. A trustedProxyCount of zero is treated
// as one proxy; if the list is shorter than expected, the leftmost entry
// is used.
func clientIPFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")

	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	idx := len(ips) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(ips[idx])
	if net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}

package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets defensive headers on OAuth endpoint responses.
// The policy is strict: responses carry no markup and must never be cached
// or framed.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuerURL, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Codes and tokens must never land in shared caches
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}

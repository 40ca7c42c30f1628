package security

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.10:54321",
			want:       "192.0.2.10",
		},
		{
			name:          "proxy headers ignored when proxy not trusted",
			remoteAddr:    "192.0.2.10:54321",
			xForwardedFor: "203.0.113.99",
			want:          "192.0.2.10",
		},
		{
			name:          "single trusted proxy",
			remoteAddr:    "10.0.0.1:1234",
			xForwardedFor: "203.0.113.5",
			trustProxy:    true,
			want:          "203.0.113.5",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:1234",
			xForwardedFor:     "203.0.113.5, 198.51.100.2, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.5",
		},
		{
			name:              "fewer entries than trusted proxies",
			remoteAddr:        "10.0.0.1:1234",
			xForwardedFor:     "203.0.113.5",
			trustProxy:        true,
			trustedProxyCount: 3,
			want:              "203.0.113.5",
		},
		{
			name:          "malformed forwarded-for falls through to remote addr",
			remoteAddr:    "10.0.0.1:1234",
			xForwardedFor: "not-an-ip",
			trustProxy:    true,
			want:          "10.0.0.1",
		},
		{
			name:       "x-real-ip used when forwarded-for absent",
			remoteAddr: "10.0.0.1:1234",
			xRealIP:    "203.0.113.7",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.10",
			want:       "192.0.2.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got := ClientIP(r, tt.trustProxy, tt.trustedProxyCount)
			if got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

package server

import (
	"log/slog"

	"github.com/moviepigeon/oauth/security"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// TransactionTTL is how long an authorization transaction may sit
	// between the authorization request and the owner's decision
	TransactionTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// CodeLength is the length of issued authorization code values
	CodeLength int // default: 16

	// AccessTokenLength is the length of issued access token values
	AccessTokenLength int // default: 128

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, the direct connection IP is used (secure by default)
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP from
	// X-Forwarded-For
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period for expiry checks (in seconds)
	// This prevents false expiration errors due to time synchronization issues
	ClockSkewGracePeriod int64 // seconds, default: 5

	// AllowInsecureHTTP permits a non-localhost http:// issuer
	// WARNING: OAuth over HTTP exposes codes and tokens to interception
	AllowInsecureHTTP bool // default: false
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.TransactionTTL == 0 {
		config.TransactionTTL = 600 // 10 minutes
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.CodeLength == 0 {
		config.CodeLength = security.DefaultCodeLength
	}
	if config.AccessTokenLength == 0 {
		config.AccessTokenLength = security.DefaultTokenLength
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}

	logSecurityWarnings(config, logger)

	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("⚠️  SECURITY WARNING: Insecure HTTP is ALLOWED",
			"risk", "Codes and tokens exposed to network interception",
			"recommendation", "Set AllowInsecureHTTP=false and serve over HTTPS")
	}
}

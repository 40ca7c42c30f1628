// Package security provides security features for the OAuth server including
// credential generation, rate limiting, audit logging, and secure header
// management.
package security

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// credentialAlphabet is the character set used for authorization code and
// access token values: mixed-case letters and digits (62 symbols).
const credentialAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const (
	// DefaultCodeLength is the default length of authorization code values.
	// 16 characters over a 62-symbol alphabet is ~95 bits of entropy.
	DefaultCodeLength = 16

	// DefaultTokenLength is the default length of access token values
	DefaultTokenLength = 128
)

// RandomCredential returns a cryptographically secure random string of the
// given length drawn from mixed-case letters and digits. It panics if the
// system's random number generator fails, which indicates a critical
// system-level security failure.
func RandomCredential(length int) string {
	if length <= 0 {
		length = DefaultCodeLength
	}

	max := big.NewInt(int64(len(credentialAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// CRITICAL: System RNG failure - cannot generate secure credentials
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		buf[i] = credentialAlphabet[n.Int64()]
	}
	return string(buf)
}

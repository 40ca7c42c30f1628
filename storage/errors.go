package storage

import "errors"

// Sentinel errors returned by storage implementations. Callers match with
// errors.Is; messages are generic to prevent information leakage.
var (
	// ErrClientNotFound indicates no client is registered under the given ID
	ErrClientNotFound = errors.New("client not found")

	// ErrTransactionNotFound indicates the transaction ID is unknown or expired
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrCodeNotFound indicates the authorization code is unknown, already
	// claimed, or expired
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeCollision indicates an authorization code with the same value
	// already exists; the caller may retry with a fresh random value
	ErrCodeCollision = errors.New("authorization code value collision")

	// ErrTokenNotFound indicates no token matches the lookup
	ErrTokenNotFound = errors.New("access token not found")

	// ErrExpired indicates the record exists but is past its expiry
	ErrExpired = errors.New("expired")
)

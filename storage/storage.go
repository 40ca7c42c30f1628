// Package storage defines interfaces for persisting OAuth clients,
// authorization transactions, authorization codes, and access tokens.
// It supports various backend implementations including in-memory and
// Valkey/Redis.
package storage

import (
	"context"
	"time"
)

// ClientDirectory defines read-only lookup of registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientDirectory interface {
	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// TransactionRegistry tracks in-flight authorization transactions across the
// authenticate-then-approve round trip. Transactions are short-lived and
// scoped to a single authorization attempt; they expire with their TTL.
// All methods accept context.Context for tracing and cancellation.
type TransactionRegistry interface {
	// BeginTransaction stores a new pending transaction keyed by its ID
	BeginTransaction(ctx context.Context, txn *Transaction) error

	// GetTransaction retrieves a pending transaction by ID.
	// Returns ErrTransactionNotFound if the ID is unknown or the
	// transaction has expired.
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)

	// EndTransaction removes a transaction. Called once the transaction is
	// decided, regardless of outcome. Idempotent.
	EndTransaction(ctx context.Context, transactionID string) error
}

// CodeStore persists single-use authorization codes.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveCode persists an issued authorization code. The code value must
	// be unique; returns ErrCodeCollision if a code with the same value
	// already exists so the caller can retry with a fresh value.
	SaveCode(ctx context.Context, code *AuthorizationCode) error

	// GetCode retrieves an authorization code by value without consuming it.
	// NOTE: For the actual exchange, use ClaimCode instead to prevent race
	// conditions.
	GetCode(ctx context.Context, value string) (*AuthorizationCode, error)

	// ClaimCode atomically retrieves and deletes an authorization code.
	// Exactly one of any number of concurrent claims for the same value
	// succeeds; the rest fail with ErrCodeNotFound.
	// SECURITY: This operation MUST be atomic to enforce single use of
	// authorization codes under concurrent exchange attempts.
	ClaimCode(ctx context.Context, value string) (*AuthorizationCode, error)

	// DeleteCode removes an authorization code. Idempotent.
	DeleteCode(ctx context.Context, value string) error
}

// TokenStore persists access tokens, enforcing that at most one non-expired
// token exists per (userID, clientID) pair.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// GetTokenByUserClient retrieves the live token for a (user, client) pair
	GetTokenByUserClient(ctx context.Context, userID, clientID string) (*AccessToken, error)

	// GetTokenByValue retrieves a token by its opaque value (bearer lookup)
	GetTokenByValue(ctx context.Context, value string) (*AccessToken, error)

	// ReplaceToken atomically supersedes any existing token for the
	// (userID, clientID) pair with a new one carrying the given value.
	// After it returns, exactly one token exists for the pair.
	// SECURITY: This operation MUST be atomic; a check-then-act sequence
	// would allow two concurrent exchanges to leave two live tokens.
	ReplaceToken(ctx context.Context, userID, clientID, value string, expiresAt time.Time) (*AccessToken, error)

	// DeleteToken removes a token by value. Idempotent.
	DeleteToken(ctx context.Context, value string) error
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash
	ClientName       string
	RedirectURI      string
	CreatedAt        time.Time
}

// Transaction represents an in-flight authorization decision. It is created
// by the authorization endpoint and destroyed by the decision handler.
// Cross-references are by identifier only; the transaction does not own the
// client record.
type Transaction struct {
	ID              string
	ClientID        string
	RedirectURI     string
	ResourceOwnerID string // set once the owner authenticates
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// AuthorizationCode represents an issued single-use authorization code
type AuthorizationCode struct {
	Value       string
	ClientID    string
	RedirectURI string
	UserID      string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// AccessToken represents an issued access token. At most one non-expired
// AccessToken exists per (UserID, ClientID) pair at any time.
type AccessToken struct {
	Value     string
	ClientID  string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

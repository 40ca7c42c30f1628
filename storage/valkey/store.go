package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/moviepigeon/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// credentialLogLength is the number of characters to include when logging
	// codes and token values
	credentialLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers (userID, clientID)
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements ClientDirectory, TransactionRegistry, CodeStore and TokenStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientDirectory     = (*Store)(nil)
	_ storage.TransactionRegistry = (*Store)(nil)
	_ storage.CodeStore           = (*Store)(nil)
	_ storage.TokenStore          = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Key Builders
// ============================================================

// clientKey builds the key for a registered client record
func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// transactionKey builds the key for a pending authorization transaction
func (s *Store) transactionKey(transactionID string) string {
	return s.prefix + "txn:" + transactionID
}

// codeKey builds the key for an authorization code
func (s *Store) codeKey(value string) string {
	return s.prefix + "code:" + value
}

// tokenKey builds the key for an access token, indexed by opaque value
func (s *Store) tokenKey(value string) string {
	return s.prefix + "token:" + value
}

// pairKey builds the key holding the live token value for a (user, client) pair
func (s *Store) pairKey(userID, clientID string) string {
	return s.prefix + "pair:" + userID + ":" + clientID
}

// ============================================================
// Helpers
// ============================================================

// safeTruncate safely truncates a string to n characters
func safeTruncate(str string, n int) string {
	if len(str) <= n {
		return str
	}
	return str[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 or negative if already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	return time.Until(expiresAt)
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaReplaceToken atomically supersedes the live token for a (user, client)
// pair. It deletes the previous token value entry, points the pair key at the
// new value, and writes the new token record, all in one step.
//
// Atomicity matters here: a check-then-act sequence would let two concurrent
// exchanges each observe "no previous token" and leave two live tokens for
// the same pair.
//
// KEYS[1] = pair key (e.g., "oauth:pair:user1:client1")
// KEYS[2] = new token key (e.g., "oauth:token:abc...")
// ARGV[1] = serialized token JSON
// ARGV[2] = TTL in seconds
// ARGV[3] = new token value
// ARGV[4] = token key prefix (e.g., "oauth:token:")
//
// Returns "OK".
const luaReplaceToken = `
local old = redis.call('GET', KEYS[1])
if old and old ~= ARGV[3] then
    redis.call('DEL', ARGV[4] .. old)
end
redis.call('SET', KEYS[1], ARGV[3], 'EX', ARGV[2])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[2])
return 'OK'
`

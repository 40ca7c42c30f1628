package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moviepigeon/oauth/storage"
)

// transactionJSON is the stored wire shape of a pending authorization transaction
type transactionJSON struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	RedirectURI     string    `json:"redirect_uri"`
	ResourceOwnerID string    `json:"resource_owner_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func toTransactionJSON(txn *storage.Transaction) *transactionJSON {
	return &transactionJSON{
		ID:              txn.ID,
		ClientID:        txn.ClientID,
		RedirectURI:     txn.RedirectURI,
		ResourceOwnerID: txn.ResourceOwnerID,
		CreatedAt:       txn.CreatedAt,
		ExpiresAt:       txn.ExpiresAt,
	}
}

func fromTransactionJSON(j *transactionJSON) *storage.Transaction {
	return &storage.Transaction{
		ID:              j.ID,
		ClientID:        j.ClientID,
		RedirectURI:     j.RedirectURI,
		ResourceOwnerID: j.ResourceOwnerID,
		CreatedAt:       j.CreatedAt,
		ExpiresAt:       j.ExpiresAt,
	}
}

// codeJSON is the stored wire shape of an authorization code
type codeJSON struct {
	Value       string    `json:"value"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	UserID      string    `json:"user_id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toCodeJSON(code *storage.AuthorizationCode) *codeJSON {
	return &codeJSON{
		Value:       code.Value,
		ClientID:    code.ClientID,
		RedirectURI: code.RedirectURI,
		UserID:      code.UserID,
		IssuedAt:    code.IssuedAt,
		ExpiresAt:   code.ExpiresAt,
	}
}

func fromCodeJSON(j *codeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Value:       j.Value,
		ClientID:    j.ClientID,
		RedirectURI: j.RedirectURI,
		UserID:      j.UserID,
		IssuedAt:    j.IssuedAt,
		ExpiresAt:   j.ExpiresAt,
	}
}

// ============================================================
// TransactionRegistry Implementation
// ============================================================

// BeginTransaction stores a new pending transaction keyed by its ID.
// The key carries a TTL so abandoned transactions expire server-side.
func (s *Store) BeginTransaction(ctx context.Context, txn *storage.Transaction) error {
	if txn == nil || txn.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	data, err := json.Marshal(toTransactionJSON(txn))
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	ttl := calculateTTL(txn.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("transaction already expired")
	}

	key := s.transactionKey(txn.ID)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}

	s.logger.Debug("Saved authorization transaction",
		"transaction_prefix", safeTruncate(txn.ID, credentialLogLength),
		"client_id", txn.ClientID)
	return nil
}

// GetTransaction retrieves a pending transaction by ID
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*storage.Transaction, error) {
	key := s.transactionKey(transactionID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	var j transactionJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	txn := fromTransactionJSON(&j)

	// TTL should handle this, but double-check for safety
	if time.Now().After(txn.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", storage.ErrTransactionNotFound, storage.ErrExpired)
	}

	return txn, nil
}

// EndTransaction removes a transaction. Idempotent.
func (s *Store) EndTransaction(ctx context.Context, transactionID string) error {
	key := s.transactionKey(transactionID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}

	s.logger.Debug("Ended authorization transaction",
		"transaction_prefix", safeTruncate(transactionID, credentialLogLength))
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveCode persists an issued authorization code. SET NX detects a value
// collision so the caller can retry with a fresh random value.
func (s *Store) SaveCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Value == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Value)

	// NX: the write fails with a nil reply when the key already exists
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Nx().Ex(ttl).Build(),
	).Error(); err != nil {
		if isNilError(err) {
			return storage.ErrCodeCollision
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", safeTruncate(code.Value, credentialLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetCode retrieves an authorization code by value without consuming it.
// NOTE: For the actual exchange, use ClaimCode instead to prevent race
// conditions.
func (s *Store) GetCode(ctx context.Context, value string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(value)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	return decodeCode(data)
}

// ClaimCode atomically retrieves and deletes an authorization code.
//
// SECURITY: GETDEL makes the get-and-delete a single server-side step, so
// exactly one of any number of concurrent claims for the same value succeeds.
func (s *Store) ClaimCode(ctx context.Context, value string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(value)

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to claim authorization code: %w", err)
	}

	s.logger.Debug("Claimed authorization code",
		"code_prefix", safeTruncate(value, credentialLogLength))

	return decodeCode(data)
}

// DeleteCode removes an authorization code. Idempotent.
func (s *Store) DeleteCode(ctx context.Context, value string) error {
	key := s.codeKey(value)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}

	s.logger.Debug("Deleted authorization code",
		"code_prefix", safeTruncate(value, credentialLogLength))
	return nil
}

func decodeCode(data string) (*storage.AuthorizationCode, error) {
	var j codeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromCodeJSON(&j), nil
}

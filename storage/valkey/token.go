package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moviepigeon/oauth/storage"
)

// tokenJSON is the stored wire shape of an access token
type tokenJSON struct {
	Value     string    `json:"value"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toTokenJSON(tok *storage.AccessToken) *tokenJSON {
	return &tokenJSON{
		Value:     tok.Value,
		ClientID:  tok.ClientID,
		UserID:    tok.UserID,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
	}
}

func fromTokenJSON(j *tokenJSON) *storage.AccessToken {
	return &storage.AccessToken{
		Value:     j.Value,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		IssuedAt:  j.IssuedAt,
		ExpiresAt: j.ExpiresAt,
	}
}

// ============================================================
// TokenStore Implementation
// ============================================================

// GetTokenByUserClient retrieves the live token for a (user, client) pair
func (s *Store) GetTokenByUserClient(ctx context.Context, userID, clientID string) (*storage.AccessToken, error) {
	pairKey := s.pairKey(userID, clientID)

	value, err := s.client.Do(ctx, s.client.B().Get().Key(pairKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token for user/client: %w", err)
	}

	return s.GetTokenByValue(ctx, value)
}

// GetTokenByValue retrieves a token by its opaque value
func (s *Store) GetTokenByValue(ctx context.Context, value string) (*storage.AccessToken, error) {
	key := s.tokenKey(value)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return fromTokenJSON(&j), nil
}

// ReplaceToken atomically supersedes any existing token for the (userID,
// clientID) pair with a new one carrying the given value.
//
// SECURITY: This operation is atomic via Lua script. After it returns,
// exactly one token exists for the pair regardless of concurrent exchanges.
func (s *Store) ReplaceToken(ctx context.Context, userID, clientID, value string, expiresAt time.Time) (*storage.AccessToken, error) {
	if userID == "" || clientID == "" || value == "" {
		return nil, fmt.Errorf("userID, clientID and value are required")
	}
	if len(userID) > MaxIDLength || len(clientID) > MaxIDLength {
		return nil, fmt.Errorf("identifier exceeds maximum allowed size")
	}

	tok := &storage.AccessToken{
		Value:     value,
		ClientID:  clientID,
		UserID:    userID,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}

	data, err := json.Marshal(toTokenJSON(tok))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := calculateTTL(expiresAt)
	if ttl <= 0 {
		return nil, fmt.Errorf("token already expired")
	}
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	pairKey := s.pairKey(userID, clientID)
	tokenKey := s.tokenKey(value)

	if err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaReplaceToken).
			Numkeys(2).
			Key(pairKey, tokenKey).
			Arg(string(data)).
			Arg(fmt.Sprintf("%d", ttlSeconds)).
			Arg(value).
			Arg(s.prefix+"token:").
			Build(),
	).Error(); err != nil {
		return nil, fmt.Errorf("failed to execute atomic token replace: %w", err)
	}

	s.logger.Debug("Replaced access token",
		"user_id", userID,
		"client_id", clientID,
		"token_prefix", safeTruncate(value, credentialLogLength))

	return tok, nil
}

// DeleteToken removes a token by value. The pair index is only cleared when
// it still points at this value, so deleting a superseded token does not
// disturb its replacement. Idempotent.
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	key := s.tokenKey(value)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to get token for deletion: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err == nil {
		pairKey := s.pairKey(j.UserID, j.ClientID)
		current, err := s.client.Do(ctx, s.client.B().Get().Key(pairKey).Build()).ToString()
		if err == nil && current == value {
			if err := s.client.Do(ctx, s.client.B().Del().Key(pairKey).Build()).Error(); err != nil {
				s.logger.Warn("Failed to delete token pair index",
					"user_id", j.UserID,
					"client_id", j.ClientID,
					"error", err)
			}
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	s.logger.Debug("Deleted access token",
		"token_prefix", safeTruncate(value, credentialLogLength))
	return nil
}

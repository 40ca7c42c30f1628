package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/moviepigeon/oauth/storage"
)

// errInvalidCredentials is the generic validation failure. It deliberately
// carries no detail so callers cannot distinguish "unknown client" from
// "wrong secret".
var errInvalidCredentials = fmt.Errorf("invalid client credentials")

// clientJSON is the stored wire shape of a registered client
type clientJSON struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"`
	ClientName       string    `json:"client_name,omitempty"`
	RedirectURI      string    `json:"redirect_uri"`
	CreatedAt        time.Time `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientName:       c.ClientName,
		RedirectURI:      c.RedirectURI,
		CreatedAt:        c.CreatedAt,
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientName:       j.ClientName,
		RedirectURI:      j.RedirectURI,
		CreatedAt:        j.CreatedAt,
	}
}

// ============================================================
// ClientDirectory Implementation
// ============================================================

// SaveClient registers a client. Client records have no TTL; they persist
// until removed out of band.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	key := s.clientKey(clientID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return fromClientJSON(&j), nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A bcrypt comparison runs on every call, against a dummy hash when the
// client is unknown or has no secret, so response timing does not reveal
// whether the client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// bcrypt hash of "test"; the mitigation is performing the comparison,
	// not the hash value itself
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	if err == nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil {
		return errInvalidCredentials
	}
	if bcryptErr != nil {
		return errInvalidCredentials
	}

	return nil
}

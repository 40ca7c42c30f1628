package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moviepigeon/oauth/internal/util"
	"github.com/moviepigeon/oauth/security"
	"github.com/moviepigeon/oauth/storage"
)

// Sentinel errors returned by the flow operations. The HTTP layer maps
// these onto OAuth 2.0 wire errors; the descriptions deliberately carry no
// detail about which check failed.
var (
	// ErrInvalidClient indicates the client is unknown or failed authentication
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidRedirect indicates the redirect URI is not registered for the client
	ErrInvalidRedirect = errors.New("invalid redirect URI")

	// ErrTransactionNotFound indicates the authorization transaction is
	// unknown, expired, or already consumed
	ErrTransactionNotFound = errors.New("authorization transaction not found")

	// ErrInvalidGrant indicates the authorization code is unknown, expired,
	// already used, or bound to a different client or redirect URI
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidToken indicates the access token is unknown or expired
	ErrInvalidToken = errors.New("invalid access token")

	// ErrIssuanceFailed indicates a credential could not be persisted
	ErrIssuanceFailed = errors.New("credential issuance failed")
)

// codeIssueAttempts bounds the retry loop when a freshly generated code
// value collides with an existing one. With 95 bits of entropy per code a
// collision is already vanishingly unlikely.
const codeIssueAttempts = 3

// Decision is the outcome of a resource owner's approval decision.
type Decision struct {
	// RedirectURI is where the user agent should be sent
	RedirectURI string

	// Granted reports whether the owner approved the request
	Granted bool

	// Code is the issued authorization code. Empty when the request was denied.
	Code string
}

// StartAuthorization begins an authorization transaction for a client.
// It validates the client and redirect URI, then registers a transaction
// that the resource owner's decision will later consume.
func (s *Server) StartAuthorization(ctx context.Context, clientID, redirectURI, ipAddress string) (*storage.Transaction, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		s.Logger.Debug("Authorization request for unknown client",
			"client_id", clientID,
			"error", err)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "unknown_client")
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidClient, clientID)
	}

	resolved, err := s.resolveRedirectURI(client, redirectURI)
	if err != nil {
		s.Logger.Debug("Authorization request with unregistered redirect URI",
			"client_id", clientID,
			"redirect_uri", redirectURI)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, ipAddress, "redirect_uri_mismatch")
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedirect, err)
	}

	now := time.Now()
	txn := &storage.Transaction{
		ID:          newTransactionID(),
		ClientID:    client.ClientID,
		RedirectURI: resolved,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(s.Config.TransactionTTL) * time.Second),
	}

	if err := s.transactions.BeginTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}

	s.Logger.Info("Authorization transaction started",
		"client_id", client.ClientID,
		"transaction_prefix", util.SafeTruncate(txn.ID, 8))
	if s.Auditor != nil {
		s.Auditor.LogAuthorizationStarted(client.ClientID, ipAddress)
	}
	if s.Metrics != nil {
		s.Metrics.RecordAuthorizationStarted(ctx, client.ClientID)
	}

	return txn, nil
}

// Decide records the resource owner's decision on a pending transaction.
// The transaction is consumed regardless of the outcome: approval issues a
// single-use authorization code bound to the transaction's client and
// redirect URI, denial produces a redirect decision with no code.
func (s *Server) Decide(ctx context.Context, transactionID string, approved bool, resourceOwnerID string) (*Decision, error) {
	txn, err := s.transactions.GetTransaction(ctx, transactionID)
	if err != nil {
		s.Logger.Debug("Decision on unknown transaction",
			"transaction_prefix", util.SafeTruncate(transactionID, 8),
			"error", err)
		return nil, fmt.Errorf("%w", ErrTransactionNotFound)
	}

	// Each transaction carries exactly one decision
	defer func() {
		if err := s.transactions.EndTransaction(ctx, transactionID); err != nil {
			s.Logger.Warn("Failed to end authorization transaction",
				"transaction_prefix", util.SafeTruncate(transactionID, 8),
				"error", err)
		}
	}()

	if security.IsExpiredWithGracePeriod(txn.ExpiresAt, time.Duration(s.Config.ClockSkewGracePeriod)*time.Second) {
		s.Logger.Debug("Decision on expired transaction",
			"transaction_prefix", util.SafeTruncate(transactionID, 8),
			"client_id", txn.ClientID)
		return nil, fmt.Errorf("%w", ErrTransactionNotFound)
	}

	if resourceOwnerID == "" {
		return nil, fmt.Errorf("resource owner is required for a decision")
	}

	if !approved {
		s.Logger.Info("Authorization denied by resource owner",
			"client_id", txn.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAccessDenied(resourceOwnerID, txn.ClientID)
		}
		if s.Metrics != nil {
			s.Metrics.RecordAccessDenied(ctx, txn.ClientID)
		}
		return &Decision{RedirectURI: txn.RedirectURI, Granted: false}, nil
	}

	code, err := s.issueCode(ctx, txn, resourceOwnerID)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Authorization code issued",
		"client_id", txn.ClientID,
		"code_prefix", util.SafeTruncate(code, 8))
	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(resourceOwnerID, txn.ClientID)
	}
	if s.Metrics != nil {
		s.Metrics.RecordCodeIssued(ctx, txn.ClientID)
	}

	return &Decision{RedirectURI: txn.RedirectURI, Granted: true, Code: code}, nil
}

// issueCode generates and persists a single-use authorization code bound to
// the transaction. Value collisions are retried with a fresh value.
func (s *Server) issueCode(ctx context.Context, txn *storage.Transaction, resourceOwnerID string) (string, error) {
	now := time.Now()

	for attempt := 0; attempt < codeIssueAttempts; attempt++ {
		authCode := &storage.AuthorizationCode{
			Value:       security.RandomCredential(s.Config.CodeLength),
			ClientID:    txn.ClientID,
			RedirectURI: txn.RedirectURI,
			UserID:      resourceOwnerID,
			IssuedAt:    now,
			ExpiresAt:   now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
		}

		err := s.codes.SaveCode(ctx, authCode)
		if err == nil {
			return authCode.Value, nil
		}
		if !errors.Is(err, storage.ErrCodeCollision) {
			return "", fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
		}

		s.Logger.Warn("Authorization code value collision, retrying",
			"client_id", txn.ClientID,
			"attempt", attempt+1)
	}

	return "", fmt.Errorf("%w: could not generate a unique code", ErrIssuanceFailed)
}

// ExchangeAuthorizationCode exchanges a single-use authorization code for
// an access token. The code is atomically claimed before its bindings are
// checked, so a mismatched client or redirect URI still burns it. Issuing
// the token atomically replaces any previous token for the same user and
// client pair.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI string) (*storage.AccessToken, error) {
	authCode, err := s.codes.ClaimCode(ctx, code)
	if err != nil {
		s.Logger.Debug("Authorization code claim failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		return nil, s.exchangeFailure(ctx, "", clientID, "invalid_authorization_code")
	}

	// The code is gone from storage now; any further failure leaves it burned.

	if security.IsExpiredWithGracePeriod(authCode.ExpiresAt, time.Duration(s.Config.ClockSkewGracePeriod)*time.Second) {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "code_expired",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		return nil, s.exchangeFailure(ctx, authCode.UserID, clientID, "code_expired")
	}

	if authCode.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		return nil, s.exchangeFailure(ctx, authCode.UserID, clientID, "client_id_mismatch")
	}

	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"expected_uri", authCode.RedirectURI,
			"provided_uri", redirectURI,
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, 8))
		return nil, s.exchangeFailure(ctx, authCode.UserID, clientID, "redirect_uri_mismatch")
	}

	value := security.RandomCredential(s.Config.AccessTokenLength)
	expiresAt := time.Now().Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)

	token, err := s.tokens.ReplaceToken(ctx, authCode.UserID, authCode.ClientID, value, expiresAt)
	if err != nil {
		s.Logger.Error("Failed to persist access token",
			"client_id", clientID,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}

	s.Logger.Info("Access token issued",
		"client_id", clientID,
		"token_prefix", util.SafeTruncate(token.Value, 8))
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, clientID, "")
	}
	if s.Metrics != nil {
		s.Metrics.RecordCodeExchange(ctx, clientID)
	}

	return token, nil
}

// exchangeFailure records a failed exchange attempt and returns the
// undifferentiated invalid grant error per RFC 6749.
func (s *Server) exchangeFailure(ctx context.Context, userID, clientID, reason string) error {
	if s.Auditor != nil {
		if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(clientID) {
			s.Auditor.LogAuthFailure(userID, clientID, "", reason)
		}
	}
	if s.Metrics != nil {
		s.Metrics.RecordExchangeFailed(ctx, clientID, reason)
	}
	return fmt.Errorf("%w", ErrInvalidGrant)
}

// ValidateToken resolves a bearer token value to its stored access token.
// Expired tokens are removed and reported as invalid.
func (s *Server) ValidateToken(ctx context.Context, value string) (*storage.AccessToken, error) {
	token, err := s.tokens.GetTokenByValue(ctx, value)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordTokenValidated(ctx, false)
		}
		return nil, fmt.Errorf("%w", ErrInvalidToken)
	}

	if security.IsExpiredWithGracePeriod(token.ExpiresAt, time.Duration(s.Config.ClockSkewGracePeriod)*time.Second) {
		if err := s.tokens.DeleteToken(ctx, value); err != nil {
			s.Logger.Warn("Failed to delete expired token",
				"token_prefix", util.SafeTruncate(value, 8),
				"error", err)
		}
		if s.Metrics != nil {
			s.Metrics.RecordTokenValidated(ctx, false)
		}
		return nil, fmt.Errorf("%w", ErrInvalidToken)
	}

	if s.Metrics != nil {
		s.Metrics.RecordTokenValidated(ctx, true)
	}

	return token, nil
}

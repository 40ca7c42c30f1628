package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/moviepigeon/oauth/instrumentation"
	"github.com/moviepigeon/oauth/security"
	"github.com/moviepigeon/oauth/storage"
)

// Server implements the OAuth 2.0 authorization code grant.
// It coordinates the authorization and token endpoints over pluggable
// storage backends.
type Server struct {
	clients      storage.ClientDirectory
	transactions storage.TransactionRegistry
	codes        storage.CodeStore
	tokens       storage.TokenStore

	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	SecurityEventRateLimiter *security.RateLimiter // limits security event logging (log flooding prevention)
	Metrics                  *instrumentation.Metrics
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates a new OAuth server
func New(
	clients storage.ClientDirectory,
	transactions storage.TransactionRegistry,
	codes storage.CodeStore,
	tokens storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client directory is required")
	}
	if transactions == nil {
		return nil, fmt.Errorf("transaction registry is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clients:      clients,
		transactions: transactions,
		codes:        codes,
		tokens:       tokens,
		Config:       config,
		Logger:       logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation attaches metric instruments to the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.Metrics = inst.Metrics()
	}
}

// GetClient looks up a registered client by its identifier
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

// ValidateClientCredentials verifies a client secret against the directory
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clients.ValidateClientSecret(ctx, clientID, clientSecret)
}

// newTransactionID generates an unguessable transaction identifier.
// oauth2.GenerateVerifier produces a URL-safe base64 string with 256 bits
// of entropy, which is the same quality required of state parameters.
func newTransactionID() string {
	return oauth2.GenerateVerifier()
}

// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/moviepigeon/oauth/instrumentation"
	"github.com/moviepigeon/oauth/security"
	"github.com/moviepigeon/oauth/storage"
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients      map[string]*storage.Client
	transactions map[string]*storage.Transaction
	codes        map[string]*storage.AuthorizationCode

	// Tokens are keyed by (userID, clientID) pair with a value index for
	// bearer lookups, enforcing one live token per pair.
	tokens        map[string]*storage.AccessToken // pair key -> token
	tokensByValue map[string]string               // token value -> pair key

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	clientsCountAtomic      atomic.Int64
	transactionsCountAtomic atomic.Int64
	codesCountAtomic        atomic.Int64
	tokensCountAtomic       atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientDirectory     = (*Store)(nil)
	_ storage.TransactionRegistry = (*Store)(nil)
	_ storage.CodeStore           = (*Store)(nil)
	_ storage.TokenStore          = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. A non-positive interval falls back to 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		transactions:    make(map[string]*storage.Transaction),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.AccessToken),
		tokensByValue:   make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the logger used for cleanup and instrumentation warnings
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.transactionsCountAtomic.Store(int64(len(s.transactions)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.transactionsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientDirectory Implementation
// ============================================================

// SaveClient registers a client. It is a seeding helper for hosts that
// manage their client roster in code or config; client CRUD is otherwise
// out of the directory's scope.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	return nil
}

// GetClient looks up a registered client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// dummyBcryptHash is a pre-computed bcrypt hash compared against when the
// client does not exist, so validation always costs one bcrypt comparison
// regardless of whether the client is known.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyBcryptHash
	if err == nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	// Always perform the bcrypt comparison, even for unknown clients
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil || bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}

	return nil
}

// ============================================================
// TransactionRegistry Implementation
// ============================================================

// BeginTransaction stores a pending authorization transaction
func (s *Store) BeginTransaction(ctx context.Context, txn *storage.Transaction) error {
	ctx, span := s.startStorageSpan(ctx, "begin_transaction")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "begin_transaction", err, startTime)
	}()

	if txn == nil || txn.ID == "" {
		err = fmt.Errorf("invalid transaction")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.transactions[txn.ID]
	s.transactions[txn.ID] = txn
	if !existed {
		s.transactionsCountAtomic.Add(1)
	}

	return nil
}

// GetTransaction retrieves a pending transaction by ID
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*storage.Transaction, error) {
	ctx, span := s.startStorageSpan(ctx, "get_transaction")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_transaction", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	txn, ok := s.transactions[transactionID]
	if !ok {
		err = storage.ErrTransactionNotFound
		return nil, err
	}

	return txn, nil
}

// EndTransaction removes a transaction once it has been decided
func (s *Store) EndTransaction(ctx context.Context, transactionID string) error {
	ctx, span := s.startStorageSpan(ctx, "end_transaction")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "end_transaction", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[transactionID]; !ok {
		return nil
	}

	delete(s.transactions, transactionID)
	s.transactionsCountAtomic.Add(-1)

	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveCode persists a single-use authorization code. Saving a value that
// already exists fails with ErrCodeCollision rather than overwriting the
// existing code's bindings.
func (s *Store) SaveCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_code", err, startTime)
	}()

	if code == nil || code.Value == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Value]; exists {
		err = storage.ErrCodeCollision
		return err
	}

	s.codes[code.Value] = code
	s.codesCountAtomic.Add(1)

	return nil
}

// GetCode retrieves an authorization code without consuming it
func (s *Store) GetCode(ctx context.Context, value string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "get_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_code", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codes[value]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	return code, nil
}

// ClaimCode atomically retrieves and deletes an authorization code.
// Exactly one of any set of concurrent claims for the same value succeeds;
// the rest fail with ErrCodeNotFound.
func (s *Store) ClaimCode(ctx context.Context, value string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "claim_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "claim_code", err, startTime)
	}()

	s.mu.Lock() // write lock: get-and-delete must be one step
	defer s.mu.Unlock()

	code, ok := s.codes[value]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	delete(s.codes, value)
	s.codesCountAtomic.Add(-1)

	return code, nil
}

// DeleteCode removes an authorization code without returning it
func (s *Store) DeleteCode(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[value]; !ok {
		return nil
	}

	delete(s.codes, value)
	s.codesCountAtomic.Add(-1)

	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// pairKey builds the map key for the (userID, clientID) token slot
func pairKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}

// GetTokenByUserClient retrieves the live token for a user and client pair
func (s *Store) GetTokenByUserClient(ctx context.Context, userID, clientID string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_user_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_token_by_user_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[pairKey(userID, clientID)]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	return token, nil
}

// GetTokenByValue resolves a bearer token value to its stored token
func (s *Store) GetTokenByValue(ctx context.Context, value string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_token_by_value")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_token_by_value", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.tokensByValue[value]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	token, ok := s.tokens[key]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	return token, nil
}

// ReplaceToken atomically installs a new token for the (userID, clientID)
// pair, superseding any previous one. Two concurrent replacements cannot
// leave two live tokens for the same pair.
func (s *Store) ReplaceToken(ctx context.Context, userID, clientID, value string, expiresAt time.Time) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "replace_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "replace_token", err, startTime)
	}()

	if userID == "" || clientID == "" || value == "" {
		err = fmt.Errorf("userID, clientID, and value are required")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(userID, clientID)

	// Drop the superseded token's value index
	if old, ok := s.tokens[key]; ok {
		delete(s.tokensByValue, old.Value)
	} else {
		s.tokensCountAtomic.Add(1)
	}

	token := &storage.AccessToken{
		Value:     value,
		ClientID:  clientID,
		UserID:    userID,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}

	s.tokens[key] = token
	s.tokensByValue[value] = key

	return token, nil
}

// DeleteToken removes a token by its value
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.tokensByValue[value]
	if !ok {
		return nil
	}

	delete(s.tokensByValue, value)
	delete(s.tokens, key)
	s.tokensCountAtomic.Add(-1)

	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired transactions, codes, and tokens
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for id, txn := range s.transactions {
		if security.IsExpired(txn.ExpiresAt) {
			delete(s.transactions, id)
			s.transactionsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for value, code := range s.codes {
		if security.IsExpired(code.ExpiresAt) {
			delete(s.codes, value)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for key, token := range s.tokens {
		if security.IsExpired(token.ExpiresAt) {
			delete(s.tokensByValue, token.Value)
			delete(s.tokens, key)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Storage cleanup completed",
			"removed", cleaned,
			"transactions", len(s.transactions),
			"codes", len(s.codes),
			"tokens", len(s.tokens))
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

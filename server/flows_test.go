package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/moviepigeon/oauth/security"
	"github.com/moviepigeon/oauth/storage"
	"github.com/moviepigeon/oauth/storage/memory"
)

const (
	testClientID    = "client1"
	testRedirectURI = "https://client.example.com/cb"
	testOwnerID     = "user1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}

	err = store.SaveClient(context.Background(), &storage.Client{
		ClientID:         testClientID,
		ClientSecretHash: string(hash),
		ClientName:       "Test Client",
		RedirectURI:      testRedirectURI,
		CreatedAt:        time.Now(),
	})
	if err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	srv, err := New(store, store, store, store, &Config{
		Issuer: "https://auth.example.com",
	}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return srv, store
}

// authorize runs the full approval round trip and returns the issued code
func authorize(t *testing.T, srv *Server) string {
	t.Helper()
	ctx := context.Background()

	txn, err := srv.StartAuthorization(ctx, testClientID, testRedirectURI, "192.0.2.1")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	decision, err := srv.Decide(ctx, txn.ID, true, testOwnerID)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !decision.Granted || decision.Code == "" {
		t.Fatalf("Decide() = %+v, want granted with code", decision)
	}

	return decision.Code
}

// ============================================================
// StartAuthorization
// ============================================================

func TestStartAuthorization(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	txn, err := srv.StartAuthorization(ctx, testClientID, testRedirectURI, "192.0.2.1")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	if txn.ID == "" {
		t.Error("transaction ID is empty")
	}
	if txn.ClientID != testClientID {
		t.Errorf("ClientID = %q, want %q", txn.ClientID, testClientID)
	}
	if txn.RedirectURI != testRedirectURI {
		t.Errorf("RedirectURI = %q, want %q", txn.RedirectURI, testRedirectURI)
	}
	if !txn.ExpiresAt.After(time.Now()) {
		t.Error("transaction should expire in the future")
	}

	// The transaction must be retrievable for the decision step
	if _, err := store.GetTransaction(ctx, txn.ID); err != nil {
		t.Errorf("GetTransaction() error = %v", err)
	}
}

func TestStartAuthorization_EmptyRedirectFallsBackToRegistered(t *testing.T) {
	srv, _ := newTestServer(t)

	txn, err := srv.StartAuthorization(context.Background(), testClientID, "", "192.0.2.1")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	if txn.RedirectURI != testRedirectURI {
		t.Errorf("RedirectURI = %q, want registered %q", txn.RedirectURI, testRedirectURI)
	}
}

func TestStartAuthorization_UnknownClient(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := srv.StartAuthorization(context.Background(), "nope", testRedirectURI, "192.0.2.1")
	if !errors.Is(err, ErrInvalidClient) {
		t.Errorf("error = %v, want ErrInvalidClient", err)
	}
}

func TestStartAuthorization_UnregisteredRedirect(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := srv.StartAuthorization(context.Background(), testClientID, "https://evil.example.com/cb", "192.0.2.1")
	if !errors.Is(err, ErrInvalidRedirect) {
		t.Errorf("error = %v, want ErrInvalidRedirect", err)
	}
}

// ============================================================
// Decide
// ============================================================

func TestDecide_ApproveIssuesCode(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	txn, err := srv.StartAuthorization(ctx, testClientID, testRedirectURI, "192.0.2.1")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	decision, err := srv.Decide(ctx, txn.ID, true, testOwnerID)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if !decision.Granted {
		t.Error("Granted = false, want true")
	}
	if decision.RedirectURI != testRedirectURI {
		t.Errorf("RedirectURI = %q, want %q", decision.RedirectURI, testRedirectURI)
	}
	if len(decision.Code) != security.DefaultCodeLength {
		t.Errorf("len(Code) = %d, want %d", len(decision.Code), security.DefaultCodeLength)
	}

	// The code carries the transaction's bindings
	code, err := store.GetCode(ctx, decision.Code)
	if err != nil {
		t.Fatalf("GetCode() error = %v", err)
	}
	if code.ClientID != testClientID || code.UserID != testOwnerID || code.RedirectURI != testRedirectURI {
		t.Errorf("code bindings = %+v", code)
	}

	// The transaction is consumed
	if _, err := store.GetTransaction(ctx, txn.ID); !errors.Is(err, storage.ErrTransactionNotFound) {
		t.Errorf("GetTransaction() after decide error = %v, want ErrTransactionNotFound", err)
	}
}

func TestDecide_DenyConsumesTransaction(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	txn, err := srv.StartAuthorization(ctx, testClientID, testRedirectURI, "192.0.2.1")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	decision, err := srv.Decide(ctx, txn.ID, false, testOwnerID)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if decision.Granted {
		t.Error("Granted = true, want false")
	}
	if decision.Code != "" {
		t.Errorf("Code = %q, want empty on denial", decision.Code)
	}
	if decision.RedirectURI != testRedirectURI {
		t.Errorf("RedirectURI = %q, want %q", decision.RedirectURI, testRedirectURI)
	}

	if _, err := store.GetTransaction(ctx, txn.ID); !errors.Is(err, storage.ErrTransactionNotFound) {
		t.Errorf("GetTransaction() after deny error = %v, want ErrTransactionNotFound", err)
	}
}

func TestDecide_UnknownTransaction(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := srv.Decide(context.Background(), "missing", true, testOwnerID)
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("error = %v, want ErrTransactionNotFound", err)
	}
}

func TestDecide_SecondDecisionFails(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	txn, err := srv.StartAuthorization(ctx, testClientID, testRedirectURI, "192.0.2.1")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	if _, err := srv.Decide(ctx, txn.ID, true, testOwnerID); err != nil {
		t.Fatalf("first Decide() error = %v", err)
	}

	if _, err := srv.Decide(ctx, txn.ID, true, testOwnerID); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("second Decide() error = %v, want ErrTransactionNotFound", err)
	}
}

func TestDecide_ExpiredTransaction(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	// Seed an already expired transaction directly
	txn := &storage.Transaction{
		ID:          "stale-txn",
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
		CreatedAt:   time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	if err := store.BeginTransaction(ctx, txn); err != nil {
		t.Fatalf("BeginTransaction() error = %v", err)
	}

	if _, err := srv.Decide(ctx, txn.ID, true, testOwnerID); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Decide() on expired transaction error = %v, want ErrTransactionNotFound", err)
	}

	// Even the failed decision consumes the transaction
	if _, err := store.GetTransaction(ctx, txn.ID); !errors.Is(err, storage.ErrTransactionNotFound) {
		t.Errorf("GetTransaction() error = %v, want ErrTransactionNotFound", err)
	}
}

func TestDecide_RequiresResourceOwner(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	txn, err := srv.StartAuthorization(ctx, testClientID, testRedirectURI, "192.0.2.1")
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	if _, err := srv.Decide(ctx, txn.ID, true, ""); err == nil {
		t.Error("Decide() with empty resource owner should fail")
	}
}

// ============================================================
// ExchangeAuthorizationCode
// ============================================================

func TestExchange_FullFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	code := authorize(t, srv)

	token, err := srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if len(token.Value) != security.DefaultTokenLength {
		t.Errorf("len(token.Value) = %d, want %d", len(token.Value), security.DefaultTokenLength)
	}
	if token.UserID != testOwnerID || token.ClientID != testClientID {
		t.Errorf("token bindings = %+v", token)
	}

	// The token validates as a bearer credential
	got, err := srv.ValidateToken(ctx, token.Value)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if got.UserID != testOwnerID {
		t.Errorf("UserID = %q, want %q", got.UserID, testOwnerID)
	}
}

func TestExchange_CodeSingleUse(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	code := authorize(t, srv)

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchange_UnknownCode(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), "bogus", testClientID, testRedirectURI)
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchange_ClientMismatchBurnsCode(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	code := authorize(t, srv)

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, "other-client", testRedirectURI); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("mismatched exchange error = %v, want ErrInvalidGrant", err)
	}

	// The failed attempt consumed the code; the legitimate client loses too
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, testClientID, testRedirectURI); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("exchange after burn error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchange_RedirectMismatch(t *testing.T) {
	srv, _ := newTestServer(t)

	code := authorize(t, srv)

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, testClientID, "https://evil.example.com/cb")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchange_ExpiredCode(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	stale := &storage.AuthorizationCode{
		Value:       "stale-code",
		ClientID:    testClientID,
		RedirectURI: testRedirectURI,
		UserID:      testOwnerID,
		IssuedAt:    time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	if err := store.SaveCode(ctx, stale); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, "stale-code", testClientID, testRedirectURI); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("error = %v, want ErrInvalidGrant", err)
	}
}

func TestExchange_NewTokenSupersedesPrevious(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	first, err := srv.ExchangeAuthorizationCode(ctx, authorize(t, srv), testClientID, testRedirectURI)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	second, err := srv.ExchangeAuthorizationCode(ctx, authorize(t, srv), testClientID, testRedirectURI)
	if err != nil {
		t.Fatalf("second exchange error = %v", err)
	}

	if first.Value == second.Value {
		t.Fatal("token values should differ")
	}

	// The superseded token no longer authorizes anything
	if _, err := srv.ValidateToken(ctx, first.Value); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken(first) error = %v, want ErrInvalidToken", err)
	}
	if _, err := srv.ValidateToken(ctx, second.Value); err != nil {
		t.Errorf("ValidateToken(second) error = %v", err)
	}
}

// ============================================================
// ValidateToken
// ============================================================

func TestValidateToken_Unknown(t *testing.T) {
	srv, _ := newTestServer(t)

	_, err := srv.ValidateToken(context.Background(), "nope")
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateToken_ExpiredIsRemoved(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	// Expired well past the clock skew grace period
	_, err := store.ReplaceToken(ctx, testOwnerID, testClientID, "stale-token", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReplaceToken() error = %v", err)
	}

	if _, err := srv.ValidateToken(ctx, "stale-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
	}

	// The expired token was deleted on validation
	if _, err := store.GetTokenByValue(ctx, "stale-token"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByValue() error = %v, want ErrTokenNotFound", err)
	}
}

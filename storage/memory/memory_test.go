package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/moviepigeon/oauth/storage"
)

const (
	testUserID   = "user-1"
	testClientID = "client-1"
)

func testContext() context.Context {
	return context.Background()
}

func seedClient(t *testing.T, store *Store, clientID, secret string) *storage.Client {
	t.Helper()

	client := &storage.Client{
		ClientID:    clientID,
		ClientName:  "Test Client",
		RedirectURI: "https://client.example.com/cb",
		CreatedAt:   time.Now(),
	}
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := store.SaveClient(testContext(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return client
}

// ============================================================
// ClientDirectory Tests
// ============================================================

func TestStore_GetClient(t *testing.T) {
	store := New()
	defer store.Stop()

	want := seedClient(t, store, testClientID, "")

	got, err := store.GetClient(testContext(), testClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientID != want.ClientID || got.RedirectURI != want.RedirectURI {
		t.Errorf("GetClient() = %+v, want %+v", got, want)
	}
}

func TestStore_GetClient_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.GetClient(testContext(), "nonexistent")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestStore_ValidateClientSecret(t *testing.T) {
	store := New()
	defer store.Stop()

	seedClient(t, store, testClientID, "s3cret")

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "correct secret", clientID: testClientID, secret: "s3cret", wantErr: false},
		{name: "wrong secret", clientID: testClientID, secret: "wrong", wantErr: true},
		{name: "unknown client", clientID: "nonexistent", secret: "s3cret", wantErr: true},
		{name: "empty secret", clientID: testClientID, secret: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateClientSecret(testContext(), tt.clientID, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================
// TransactionRegistry Tests
// ============================================================

func TestStore_TransactionLifecycle(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := testContext()

	txn := &storage.Transaction{
		ID:          "txn-1",
		ClientID:    testClientID,
		RedirectURI: "https://client.example.com/cb",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}

	if err := store.BeginTransaction(ctx, txn); err != nil {
		t.Fatalf("BeginTransaction() error = %v", err)
	}

	got, err := store.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.ClientID != testClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, testClientID)
	}

	if err := store.EndTransaction(ctx, "txn-1"); err != nil {
		t.Fatalf("EndTransaction() error = %v", err)
	}

	if _, err := store.GetTransaction(ctx, "txn-1"); !errors.Is(err, storage.ErrTransactionNotFound) {
		t.Errorf("GetTransaction() after end error = %v, want ErrTransactionNotFound", err)
	}

	// Idempotent
	if err := store.EndTransaction(ctx, "txn-1"); err != nil {
		t.Errorf("second EndTransaction() error = %v, want nil", err)
	}
}

// ============================================================
// CodeStore Tests
// ============================================================

func newTestCode(value string) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Value:       value,
		ClientID:    testClientID,
		RedirectURI: "https://client.example.com/cb",
		UserID:      testUserID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
}

func TestStore_SaveCode_Collision(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := testContext()

	if err := store.SaveCode(ctx, newTestCode("abc")); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	err := store.SaveCode(ctx, newTestCode("abc"))
	if !errors.Is(err, storage.ErrCodeCollision) {
		t.Errorf("SaveCode() duplicate error = %v, want ErrCodeCollision", err)
	}
}

func TestStore_ClaimCode_SingleUse(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := testContext()

	if err := store.SaveCode(ctx, newTestCode("abc")); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	code, err := store.ClaimCode(ctx, "abc")
	if err != nil {
		t.Fatalf("ClaimCode() error = %v", err)
	}
	if code.UserID != testUserID {
		t.Errorf("UserID = %q, want %q", code.UserID, testUserID)
	}

	if _, err := store.ClaimCode(ctx, "abc"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("second ClaimCode() error = %v, want ErrCodeNotFound", err)
	}
}

func TestStore_ClaimCode_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := testContext()

	if err := store.SaveCode(ctx, newTestCode("abc")); err != nil {
		t.Fatalf("SaveCode() error = %v", err)
	}

	const claimers = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ClaimCode(ctx, "abc"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	if got := len(successes); got != 1 {
		t.Errorf("concurrent ClaimCode() successes = %d, want exactly 1", got)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestStore_ReplaceToken_SupersedesPrevious(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := testContext()

	expiry := time.Now().Add(time.Hour)

	first, err := store.ReplaceToken(ctx, testUserID, testClientID, "token-1", expiry)
	if err != nil {
		t.Fatalf("ReplaceToken() error = %v", err)
	}

	second, err := store.ReplaceToken(ctx, testUserID, testClientID, "token-2", expiry)
	if err != nil {
		t.Fatalf("second ReplaceToken() error = %v", err)
	}

	// Old value no longer resolves
	if _, err := store.GetTokenByValue(ctx, first.Value); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByValue(old) error = %v, want ErrTokenNotFound", err)
	}

	// New value resolves to the pair's single live token
	got, err := store.GetTokenByValue(ctx, second.Value)
	if err != nil {
		t.Fatalf("GetTokenByValue(new) error = %v", err)
	}
	if got.UserID != testUserID || got.ClientID != testClientID {
		t.Errorf("token bindings = (%q, %q), want (%q, %q)", got.UserID, got.ClientID, testUserID, testClientID)
	}

	byPair, err := store.GetTokenByUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("GetTokenByUserClient() error = %v", err)
	}
	if byPair.Value != second.Value {
		t.Errorf("live token value = %q, want %q", byPair.Value, second.Value)
	}
}

func TestStore_ReplaceToken_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := testContext()

	const writers = 20
	var wg sync.WaitGroup

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			value := "token-" + string(rune('a'+n))
			_, _ = store.ReplaceToken(ctx, testUserID, testClientID, value, time.Now().Add(time.Hour))
		}(i)
	}
	wg.Wait()

	// Exactly one live token survives for the pair, and exactly one value
	// index points at it
	store.mu.RLock()
	tokenCount := len(store.tokens)
	valueCount := len(store.tokensByValue)
	store.mu.RUnlock()

	if tokenCount != 1 {
		t.Errorf("live tokens = %d, want 1", tokenCount)
	}
	if valueCount != 1 {
		t.Errorf("value index entries = %d, want 1", valueCount)
	}

	live, err := store.GetTokenByUserClient(ctx, testUserID, testClientID)
	if err != nil {
		t.Fatalf("GetTokenByUserClient() error = %v", err)
	}
	if _, err := store.GetTokenByValue(ctx, live.Value); err != nil {
		t.Errorf("GetTokenByValue(live) error = %v", err)
	}
}

func TestStore_DeleteToken(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := testContext()

	if _, err := store.ReplaceToken(ctx, testUserID, testClientID, "token-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ReplaceToken() error = %v", err)
	}

	if err := store.DeleteToken(ctx, "token-1"); err != nil {
		t.Fatalf("DeleteToken() error = %v", err)
	}

	if _, err := store.GetTokenByValue(ctx, "token-1"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByValue() after delete error = %v, want ErrTokenNotFound", err)
	}
	if _, err := store.GetTokenByUserClient(ctx, testUserID, testClientID); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetTokenByUserClient() after delete error = %v, want ErrTokenNotFound", err)
	}

	// Idempotent
	if err := store.DeleteToken(ctx, "token-1"); err != nil {
		t.Errorf("second DeleteToken() error = %v, want nil", err)
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup_RemovesExpired(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := testContext()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	_ = store.BeginTransaction(ctx, &storage.Transaction{ID: "stale", ClientID: testClientID, ExpiresAt: past})
	_ = store.BeginTransaction(ctx, &storage.Transaction{ID: "live", ClientID: testClientID, ExpiresAt: future})

	stale := newTestCode("stale-code")
	stale.ExpiresAt = past
	_ = store.SaveCode(ctx, stale)
	_ = store.SaveCode(ctx, newTestCode("live-code"))

	_, _ = store.ReplaceToken(ctx, "u-stale", testClientID, "stale-token", past)
	_, _ = store.ReplaceToken(ctx, "u-live", testClientID, "live-token", future)

	store.cleanup()

	if _, err := store.GetTransaction(ctx, "stale"); err == nil {
		t.Error("expired transaction should be cleaned up")
	}
	if _, err := store.GetTransaction(ctx, "live"); err != nil {
		t.Errorf("live transaction should survive cleanup: %v", err)
	}

	if _, err := store.GetCode(ctx, "stale-code"); err == nil {
		t.Error("expired code should be cleaned up")
	}
	if _, err := store.GetCode(ctx, "live-code"); err != nil {
		t.Errorf("live code should survive cleanup: %v", err)
	}

	if _, err := store.GetTokenByValue(ctx, "stale-token"); err == nil {
		t.Error("expired token should be cleaned up")
	}
	if _, err := store.GetTokenByValue(ctx, "live-token"); err != nil {
		t.Errorf("live token should survive cleanup: %v", err)
	}
}

// Package storage provides interfaces and types for OAuth client, code,
// token, and transaction persistence.
//
// The storage package defines the core storage interfaces used throughout
// the library:
//   - ClientDirectory: Read-only lookup of registered OAuth clients
//   - TransactionRegistry: Tracks in-flight authorization transactions
//   - CodeStore: Persists single-use authorization codes
//   - TokenStore: Persists access tokens with per-(user,client) uniqueness
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage

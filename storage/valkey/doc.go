// Package valkey provides a Valkey/Redis-backed implementation of the
// storage interfaces. Record expiry is delegated to server-side TTLs, and
// the security-critical operations (claiming an authorization code, replacing
// the token for a user/client pair) are atomic: ClaimCode uses GETDEL and
// ReplaceToken runs a Lua script so that concurrent exchanges cannot observe
// intermediate state.
package valkey

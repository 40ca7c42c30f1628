// Package server implements the OAuth 2.0 authorization code grant logic.
//
// The Server coordinates the two halves of the grant against pluggable
// storage backends: the authorization endpoint round trip (an authorization
// transaction that ends in an approval decision and a single-use code) and
// the token endpoint exchange (claiming the code and issuing the single
// active access token for the user and client pair).
//
// The server is transport-agnostic; the root oauth package provides the
// HTTP handler built on top of it.
package server

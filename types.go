// Package oauth provides an OAuth 2.0 authorization code grant server as a
// library: a transport-agnostic Server in the server subpackage and a thin
// HTTP Handler in this package that exposes the authorization and token
// endpoints.
package oauth

// TokenResponse is the JSON body returned by the token endpoint
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// ErrorResponse is the OAuth 2.0 error response wire shape per RFC 6749
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// TransactionResponse is the JSON body returned by the transaction-init endpoint
type TransactionResponse struct {
	TransactionID string `json:"transactionId"`
}

// ServerMetadata is the RFC 8414 authorization server metadata subset this
// server advertises.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/moviepigeon/oauth/instrumentation"
	"github.com/moviepigeon/oauth/security"
	"github.com/moviepigeon/oauth/server"
	"github.com/moviepigeon/oauth/storage"
)

const tokenTypeBearer = "Bearer"

// IdentityFunc resolves the authenticated resource owner for a request.
// The authorization endpoints require a resource-owner session; how that
// session works (cookies, upstream auth proxy) is the host application's
// concern. Return an empty string with an error when unauthenticated.
type IdentityFunc func(r *http.Request) (string, error)

type tokenContextKey struct{}

// TokenFromContext returns the access token attached by RequireToken, or
// nil if the request was not authenticated.
func TokenFromContext(ctx context.Context) *storage.AccessToken {
	token, _ := ctx.Value(tokenContextKey{}).(*storage.AccessToken)
	return token
}

// Handler is a thin HTTP adapter for the OAuth Server.
// It parses requests, delegates to the Server for the grant logic, and
// renders wire responses.
type Handler struct {
	server   *server.Server
	identity IdentityFunc
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler. identity supplies the resource
// owner for the authorization endpoints and is required.
func NewHandler(srv *server.Server, identity IdentityFunc, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity func is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		server:   srv,
		identity: identity,
		logger:   logger,
	}, nil
}

// SetInstrumentation attaches tracing and metrics to the HTTP layer
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
	}
}

// Routes returns the handler's HTTP routes wrapped in the request ID
// middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /oauth2/authorize", h.ServeAuthorize)
	mux.HandleFunc("POST /oauth2/authorize", h.ServeDecision)
	mux.HandleFunc("POST /oauth2/authorize/transactionId", h.ServeTransactionID)
	mux.HandleFunc("POST /oauth2/token", h.ServeToken)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.ServeServerMetadata)

	return security.RequestIDMiddleware(mux)
}

// ServeAuthorize handles GET /oauth2/authorize. It begins an authorization
// transaction for the session-authenticated resource owner and returns the
// transaction id as plain text for the approval step.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.authorize")
	defer h.endSpan(span)

	clientIP := h.clientIP(r)

	if _, err := h.identity(r); err != nil {
		h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "resource owner not authenticated")
		h.writeError(w, ErrorCodeInvalidRequest, "Resource owner authentication required", http.StatusUnauthorized)
		return
	}

	clientID := queryValue(r, "client_id", "clientId")
	redirectURI := queryValue(r, "redirect_uri", "redirectUri")

	txn, err := h.server.StartAuthorization(ctx, clientID, redirectURI, clientIP)
	if err != nil {
		status := h.writeAuthorizationError(w, err)
		h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, status, startTime)
		instrumentation.RecordError(span, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, txn.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "authorize", http.MethodGet, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, txn.ID)
}

// ServeTransactionID handles POST /oauth2/authorize/transactionId. It is
// the JSON variant of ServeAuthorize for clients that initiate the
// transaction explicitly.
func (h *Handler) ServeTransactionID(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.transaction_id")
	defer h.endSpan(span)

	clientIP := h.clientIP(r)

	if _, err := h.identity(r); err != nil {
		h.recordHTTPMetrics(ctx, "transaction_id", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "resource owner not authenticated")
		h.writeError(w, ErrorCodeInvalidRequest, "Resource owner authentication required", http.StatusUnauthorized)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "transaction_id", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID := formValue(r, "client_id", "clientId")
	redirectURI := formValue(r, "redirect_uri", "redirectUri")

	txn, err := h.server.StartAuthorization(ctx, clientID, redirectURI, clientIP)
	if err != nil {
		status := h.writeAuthorizationError(w, err)
		h.recordHTTPMetrics(ctx, "transaction_id", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "transaction_id", http.MethodPost, http.StatusOK, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TransactionResponse{TransactionID: txn.ID})
}

// ServeDecision handles POST /oauth2/authorize. It records the resource
// owner's decision on a pending transaction and redirects the user agent
// back to the client with either an authorization code or an access_denied
// error.
func (h *Handler) ServeDecision(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.decision")
	defer h.endSpan(span)

	ownerID, err := h.identity(r)
	if err != nil {
		h.recordHTTPMetrics(ctx, "decision", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.SetSpanError(span, "resource owner not authenticated")
		h.writeError(w, ErrorCodeInvalidRequest, "Resource owner authentication required", http.StatusUnauthorized)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "decision", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	transactionID := formValue(r, "transaction_id", "transactionId")
	if transactionID == "" {
		h.recordHTTPMetrics(ctx, "decision", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'transaction_id' missing", http.StatusBadRequest)
		return
	}

	var approved bool
	switch decision := r.FormValue("decision"); decision {
	case "approve":
		approved = true
	case "deny":
		approved = false
	default:
		h.recordHTTPMetrics(ctx, "decision", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Parameter 'decision' must be 'approve' or 'deny'", http.StatusBadRequest)
		return
	}

	result, err := h.server.Decide(ctx, transactionID, approved, ownerID)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrTransactionNotFound) {
			h.recordHTTPMetrics(ctx, "decision", http.MethodPost, http.StatusForbidden, startTime)
			h.writeError(w, ErrorCodeInvalidRequest, "Unknown or expired authorization transaction", http.StatusForbidden)
			return
		}
		h.logger.Error("Authorization decision failed", "error", err)
		h.recordHTTPMetrics(ctx, "decision", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Authorization failed", http.StatusInternalServerError)
		return
	}

	redirect, perr := url.Parse(result.RedirectURI)
	if perr != nil {
		h.recordHTTPMetrics(ctx, "decision", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Authorization failed", http.StatusInternalServerError)
		return
	}

	query := redirect.Query()
	if result.Granted {
		query.Set("code", result.Code)
	} else {
		query.Set("error", ErrorCodeAccessDenied)
	}
	redirect.RawQuery = query.Encode()

	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrApproved, result.Granted))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "decision", http.MethodPost, http.StatusFound, startTime)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles POST /oauth2/token: the authorization code exchange.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r.Context(), "oauth.http.token_exchange")
	defer h.endSpan(span)

	clientIP := h.clientIP(r)

	if !h.checkIPRateLimit(ctx, w, clientIP) {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "rate limited")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	if grantType := r.FormValue("grant_type"); grantType != "authorization_code" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
		return
	}

	code := r.FormValue("code")
	if code == "" {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}
	redirectURI := formValue(r, "redirect_uri", "redirectUri")

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		var oauthErr *Error
		if errors.As(err, &oauthErr) {
			h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		} else {
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		}
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))

	token, err := h.server.ExchangeAuthorizationCode(ctx, code, client.ClientID, redirectURI)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, server.ErrInvalidGrant) {
			h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusBadRequest, startTime)
			h.writeError(w, ErrorCodeInvalidGrant, "Authorization code is invalid or expired", http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to exchange authorization code",
			"client_id", client.ClientID,
			"ip", clientIP,
			"error", err)
		h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Token issuance failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "token", http.MethodPost, http.StatusOK, startTime)

	h.writeTokenResponse(w, token)
}

// ServeServerMetadata handles GET /.well-known/oauth-authorization-server
func (h *Handler) ServeServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimRight(h.server.Config.Issuer, "/")

	metadata := ServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth2/authorize",
		TokenEndpoint:                     issuer + "/oauth2/token",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// RequireToken is middleware that authenticates requests with a bearer
// access token. The resolved token is attached to the request context and
// retrievable with TokenFromContext.
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		token, err := h.server.ValidateToken(r.Context(), value)
		if err != nil {
			w.Header().Set("WWW-Authenticate", tokenTypeBearer)
			h.writeError(w, ErrorCodeInvalidToken, "Access token is invalid or expired", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateClient authenticates the client from Basic auth or form
// credentials. Clients with a registered secret hash must present the
// secret.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, error) {
	clientID, clientSecret, hasBasic := r.BasicAuth()
	if !hasBasic {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.GetClient(r.Context(), clientID)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, "unknown_client", "Unknown client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if client.ClientSecretHash != "" {
		if clientSecret == "" {
			h.logAuthFailure(clientID, clientIP, "client_credentials_required", "Client missing credentials")
			return nil, ErrInvalidClient("Client authentication required")
		}
		if err := h.server.ValidateClientCredentials(r.Context(), clientID, clientSecret); err != nil {
			h.logAuthFailure(clientID, clientIP, "client_authentication_failed", "Client authentication failed")
			return nil, ErrInvalidClient("Client authentication failed")
		}
	}

	return client, nil
}

// logAuthFailure logs authentication failures with optional auditing
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure("", clientID, clientIP, reason)
	}
}

// writeAuthorizationError maps StartAuthorization failures onto wire errors
// and returns the HTTP status used.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, err error) int {
	switch {
	case errors.Is(err, server.ErrInvalidClient):
		h.writeError(w, ErrorCodeInvalidClient, "Unknown client", http.StatusBadRequest)
		return http.StatusBadRequest
	case errors.Is(err, server.ErrInvalidRedirect):
		h.writeError(w, ErrorCodeInvalidRedirectURI, "Redirect URI is not registered for this client", http.StatusBadRequest)
		return http.StatusBadRequest
	default:
		h.logger.Error("Failed to start authorization transaction", "error", err)
		h.writeError(w, ErrorCodeServerError, "Authorization failed", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *storage.AccessToken) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	expiresIn := int64(time.Until(token.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken: token.Value,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   expiresIn,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// extractBearerToken pulls the bearer token from the Authorization header,
// writing the error response itself when the header is missing or malformed.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
		h.writeError(w, ErrorCodeInvalidToken, "Missing Authorization header", http.StatusUnauthorized)
		return "", false
	}

	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
		h.writeError(w, ErrorCodeInvalidToken, "Authorization header must use the Bearer scheme", http.StatusUnauthorized)
		return "", false
	}

	return authHeader[len(prefix):], true
}

// checkIPRateLimit applies the per-IP rate limiter, writing the error
// response when the limit is exceeded.
func (h *Handler) checkIPRateLimit(ctx context.Context, w http.ResponseWriter, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return true
	}

	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(ctx, "ip")
	}

	w.Header().Set("Retry-After", "1")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests)
	return false
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.ClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, nil
	}
	return h.tracer.Start(ctx, name)
}

func (h *Handler) endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(ctx, method, endpoint, status,
		float64(time.Since(startTime).Milliseconds()))
}

// queryValue returns the first non-empty query parameter among names.
// The endpoints accept both snake_case OAuth parameter names and the
// camelCase names some existing clients send.
func queryValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.URL.Query().Get(name); v != "" {
			return v
		}
	}
	return ""
}

// formValue returns the first non-empty form parameter among names
func formValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := r.FormValue(name); v != "" {
			return v
		}
	}
	return ""
}

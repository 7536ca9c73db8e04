package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/server"
	"github.com/giantswarm/mcp-gateway/storage"
)

// Grant types accepted by the token endpoint
const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

const tokenTypeBearer = "Bearer"

// Rate limit names used in audit records
const (
	oauthLimit        = "oauth_endpoint"
	registrationLimit = "client_registration"
)

// AuthenticatedUser is the user approving an authorization request
type AuthenticatedUser struct {
	UserID         string
	OrganizationID string
}

// Authenticator resolves the user behind an authorization request. It returns
// nil, nil when the request carries no authenticated user.
type Authenticator interface {
	Authenticate(r *http.Request) (*AuthenticatedUser, error)
}

// Default headers read by HeaderAuthenticator
const (
	DefaultUserHeader         = "X-Forwarded-User"
	DefaultOrganizationHeader = "X-Forwarded-Organization"
)

// HeaderAuthenticator trusts identity headers set by an authenticating reverse
// proxy in front of the gateway. Only use it when clients cannot reach the
// gateway directly.
type HeaderAuthenticator struct {
	UserHeader         string
	OrganizationHeader string
}

// Authenticate reads the user and organization headers
func (a *HeaderAuthenticator) Authenticate(r *http.Request) (*AuthenticatedUser, error) {
	userHeader := a.UserHeader
	if userHeader == "" {
		userHeader = DefaultUserHeader
	}
	orgHeader := a.OrganizationHeader
	if orgHeader == "" {
		orgHeader = DefaultOrganizationHeader
	}

	userID := strings.TrimSpace(r.Header.Get(userHeader))
	if userID == "" {
		return nil, nil
	}
	return &AuthenticatedUser{
		UserID:         userID,
		OrganizationID: strings.TrimSpace(r.Header.Get(orgHeader)),
	}, nil
}

// ============================================================
// Token endpoint
// ============================================================

// ServeToken handles the token endpoint (RFC 6749 section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	h.setOAuthCORSHeaders(w, r)
	if h.checkIPRateLimit(w, r, security.KeyTypeOAuth, oauthLimit) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	if oauthErr := h.authenticateClient(r); oauthErr != nil {
		h.writeOAuthError(w, oauthErr)
		return
	}

	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case grantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case grantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	case "":
		h.writeError(w, ErrorCodeInvalidRequest, "grant_type is required", http.StatusBadRequest)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "token_exchange",
		attribute.String(instrumentation.AttrGrantType, grantTypeAuthorizationCode))
	defer span.End()

	code := r.PostFormValue("code")
	if code == "" {
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	pair, err := h.tokens.ExchangeAuthorizationCode(ctx, code, r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeGrantError(w, err, "Authorization code is invalid or expired")
		return
	}

	h.logger.Info("Token exchange successful",
		"authorization_id", pair.Identity.AuthorizationID,
		"ip", security.ClientIPFromContext(ctx))
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "token_refresh",
		attribute.String(instrumentation.AttrGrantType, grantTypeRefreshToken))
	defer span.End()

	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	pair, err := h.tokens.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.writeGrantError(w, err, "Refresh token is invalid or expired")
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, pair)
}

// authenticateClient checks client credentials when the request carries any,
// from HTTP Basic auth or the client_id and client_secret form fields. Public
// clients may omit them entirely since PKCE binds the code to the caller.
func (h *Handler) authenticateClient(r *http.Request) *OAuthError {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		return nil
	}

	if _, err := h.tokens.AuthenticateClient(r.Context(), clientID, clientSecret); err != nil {
		if errors.Is(err, server.ErrInvalidClient) {
			h.logger.Warn("Client authentication failed",
				"client_id", clientID,
				"ip", security.ClientIPFromContext(r.Context()))
			return ErrInvalidClient("Client authentication failed")
		}
		h.logger.Error("Failed to authenticate client", "client_id", clientID, "error", err)
		return ErrServerError("Client authentication unavailable")
	}
	return nil
}

// writeGrantError hides the reason of a grant failure from the client. The
// token service already logged and audited it.
func (h *Handler) writeGrantError(w http.ResponseWriter, err error, description string) {
	if errors.Is(err, server.ErrInvalidGrant) {
		h.writeOAuthError(w, ErrInvalidGrant(description))
		return
	}
	h.logger.Error("Token request failed", "error", err)
	h.writeOAuthError(w, ErrServerError("Failed to issue tokens"))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *server.TokenPair) {
	security.SetNoStoreHeaders(w)

	tokenType := pair.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	_ = writeJSON(w, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    int64(pair.ExpiresIn.Seconds()),
		RefreshToken: pair.RefreshToken,
	})
}

// ============================================================
// Client registration
// ============================================================

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "client_registration")
	defer span.End()

	h.setOAuthCORSHeaders(w, r)
	if h.checkIPRateLimit(w, r, security.KeyTypeRegistration, registrationLimit) {
		return
	}

	var req ClientRegistrationRequest
	body := http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		instrumentation.SetSpanError(span, "invalid request body")
		h.logger.Debug("Rejected client registration", "error", err)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid registration request", http.StatusBadRequest)
		return
	}

	registered, err := h.tokens.RegisterClient(ctx, server.ClientRegistration{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		var uriErr *server.RedirectURISecurityError
		switch {
		case errors.As(err, &uriErr):
			h.writeOAuthError(w, ErrInvalidRedirectURI(uriErr.ClientMessage))
		case errors.Is(err, server.ErrInvalidClientMetadata):
			h.writeOAuthError(w, ErrInvalidClientMetadata(err.Error()))
		default:
			h.logger.Error("Failed to register client", "error", err)
			h.writeOAuthError(w, ErrServerError("Failed to register client"))
		}
		return
	}

	span.SetAttributes(attribute.String(instrumentation.AttrClientID, registered.Client.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.writeRegistrationResponse(w, r, registered)
}

func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, r *http.Request, registered *server.RegisteredClient) {
	client := registered.Client
	base := h.baseURL(r)

	security.SetNoStoreHeaders(w)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusCreated)
	_ = writeJSON(w, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            registered.ClientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            nonNil(client.RedirectURIs),
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		AuthorizationEndpoint:   base + authorizePath,
		TokenEndpoint:           base + tokenPath,
	})
}

// serveRegistrationMethodNotAllowed answers GET on the registration endpoint
func (h *Handler) serveRegistrationMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	h.writeError(w, ErrorCodeInvalidRequest, "GET method not supported for client registration", http.StatusMethodNotAllowed)
}

// ============================================================
// Revocation
// ============================================================

// ServeTokenRevocation handles token revocation (RFC 7009). Revoking either
// token revokes the whole grant. The response is 200 whether or not the token
// was known.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "token_revocation")
	defer span.End()

	h.setOAuthCORSHeaders(w, r)
	if h.checkIPRateLimit(w, r, security.KeyTypeOAuth, oauthLimit) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}
	if oauthErr := h.authenticateClient(r); oauthErr != nil {
		h.writeOAuthError(w, oauthErr)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	identity, err := h.tokens.RevokeToken(ctx, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.logger.Error("Failed to revoke token", "error", err)
		h.writeOAuthError(w, ErrServerError("Failed to revoke token"))
		return
	}
	if identity != nil {
		span.SetAttributes(attribute.String(instrumentation.AttrAuthorizationID, identity.AuthorizationID))
		h.closeSessions(identity)
	}

	instrumentation.SetSpanSuccess(span)
	security.SetNoStoreHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// closeSessions drops the sessions of a revoked grant so that its streams stop
// being served from the registry
func (h *Handler) closeSessions(identity *storage.Identity) {
	if n := h.sessions.DeleteByAuthorization(identity.AuthorizationID); n > 0 {
		h.logger.Info("Closed sessions of revoked authorization",
			"authorization_id", identity.AuthorizationID,
			"sessions", n)
	}
}

// ============================================================
// Authorization endpoint
// ============================================================

// ServeAuthorization issues an authorization code to the user resolved by the
// configured Authenticator and redirects back to the client
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r.Context(), "authorization")
	defer span.End()

	if h.authenticator == nil {
		h.writeError(w, ErrorCodeTemporarilyUnavailable, "Authorization endpoint is not configured", http.StatusServiceUnavailable)
		return
	}
	if h.checkIPRateLimit(w, r, security.KeyTypeOAuth, oauthLimit) {
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	span.SetAttributes(
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrPKCEMethod, codeChallengeMethod),
	)

	if responseType := q.Get("response_type"); responseType != "code" {
		h.writeError(w, ErrorCodeInvalidRequest, "response_type must be code", http.StatusBadRequest)
		return
	}
	if clientID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}
	if codeChallenge == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "code_challenge is required", http.StatusBadRequest)
		return
	}

	client, err := h.tokens.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, ErrorCodeInvalidClient, "Unknown client", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load client", "client_id", clientID, "error", err)
		h.writeOAuthError(w, ErrServerError("Failed to load client"))
		return
	}

	user, err := h.authenticator.Authenticate(r)
	if err != nil {
		h.logger.Error("User authentication failed", "error", err)
		h.writeOAuthError(w, ErrServerError("User authentication unavailable"))
		return
	}
	if user == nil {
		h.writeError(w, ErrorCodeAccessDenied, "User authentication required", http.StatusUnauthorized)
		return
	}

	code, err := h.tokens.CreateAuthorizationCode(ctx, server.CodeRequest{
		UserID:              user.UserID,
		OrganizationID:      user.OrganizationID,
		ClientName:          client.ClientName,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		var uriErr *server.RedirectURISecurityError
		switch {
		case errors.As(err, &uriErr):
			h.writeOAuthError(w, ErrInvalidRedirectURI(uriErr.ClientMessage))
		case errors.Is(err, server.ErrUnsupportedChallengeMethod):
			h.writeError(w, ErrorCodeInvalidRequest, "Unsupported code_challenge_method", http.StatusBadRequest)
		default:
			h.logger.Error("Failed to create authorization code", "client_id", clientID, "error", err)
			h.writeOAuthError(w, ErrServerError("Failed to create authorization code"))
		}
		return
	}

	target, err := authorizationRedirect(redirectURI, code, q.Get("state"))
	if err != nil {
		h.writeOAuthError(w, ErrInvalidRedirectURI("Invalid redirect_uri"))
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, target, http.StatusFound)
}

// authorizationRedirect appends code and state to the client's redirect URI
func authorizationRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ============================================================
// Discovery
// ============================================================

// ServeProtectedResourceMetadata serves the RFC 9728 protected resource metadata
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := h.baseURL(r)
	h.writeMetadata(w, ProtectedResourceMetadata{
		Resource:               base + mcpPath,
		AuthorizationServers:   []string{base},
		ScopesSupported:        h.config.Scopes,
		BearerMethodsSupported: []string{"header"},
	})
}

var tokenEndpointAuthMethods = []string{
	storage.TokenEndpointAuthNone,
	storage.TokenEndpointAuthClientSecretPost,
	storage.TokenEndpointAuthClientSecretBasic,
}

// ServeAuthorizationServerMetadata serves the RFC 8414 authorization server metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := h.baseURL(r)
	h.writeMetadata(w, AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + authorizePath,
		TokenEndpoint:                     base + tokenPath,
		RegistrationEndpoint:              base + registerPath,
		RevocationEndpoint:                base + revokePath,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: tokenEndpointAuthMethods,
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	})
}

func (h *Handler) writeMetadata(w http.ResponseWriter, metadata any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_ = writeJSON(w, metadata)
}

// ============================================================
// CORS
// ============================================================

// ServeOAuthPreflight answers CORS preflight requests for the OAuth endpoints
func (h *Handler) ServeOAuthPreflight(w http.ResponseWriter, r *http.Request) {
	origin, ok := h.checkOrigin(w, r)
	if !ok {
		return
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

// setOAuthCORSHeaders allows browser clients from allowlisted origins to read OAuth responses
func (h *Handler) setOAuthCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.origins.Validate(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Vary", "Origin")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

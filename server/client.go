package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a client authenticating with a secret
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a client relying on PKCE alone
	ClientTypePublic = "public"
)

// DefaultClientName is used when a registration does not name the client
const DefaultClientName = "MCP Client"

// Grant types advertised for every registered client
var registeredGrantTypes = []string{GrantTypeAuthorizationCode, "refresh_token"}

// ClientRegistration is an RFC 7591 registration request
type ClientRegistration struct {
	ClientName              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
}

// RegisteredClient is the outcome of a registration. ClientSecret is only set
// for confidential clients and is never stored in clear text.
type RegisteredClient struct {
	Client       *storage.Client
	ClientSecret string
}

// RegisterClient registers a new OAuth client (RFC 7591).
// Empty redirect URIs are dropped and every remaining one must pass
// ValidateRedirectURIFormat. token_endpoint_auth_method defaults to "none"
// (public client); the client_secret_* methods get a generated secret stored
// as a bcrypt hash.
func (s *Server) RegisterClient(ctx context.Context, reg ClientRegistration) (*RegisteredClient, error) {
	ctx, span := s.startSpan(ctx, "register_client")
	defer span.End()

	redirectURIs := make([]string, 0, len(reg.RedirectURIs))
	for _, uri := range reg.RedirectURIs {
		if uri == "" {
			continue
		}
		if err := s.ValidateRedirectURIFormat(uri); err != nil {
			s.auditInvalidRedirect(ctx, "", err)
			s.Logger.Warn("Client registration rejected: redirect URI validation failed",
				"error", err.Error(),
				"client_ip", security.ClientIPFromContext(ctx))
			return nil, err
		}
		redirectURIs = append(redirectURIs, uri)
	}

	authMethod := reg.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = storage.TokenEndpointAuthNone
	}
	clientType, err := clientTypeFor(authMethod)
	if err != nil {
		return nil, err
	}

	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(reg.ClientName)
	if name == "" {
		name = DefaultClientName
	}

	client := &storage.Client{
		ClientID:                GenerateToken(),
		ClientName:              name,
		ClientSecretHash:        clientSecretHash,
		RedirectURIs:            redirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              append([]string(nil), registeredGrantTypes...),
		CreatedAt:               s.now(),
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	clientIP := security.ClientIPFromContext(ctx)
	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, clientType, clientIP)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, clientType)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)

	return &RegisteredClient{Client: client, ClientSecret: clientSecret}, nil
}

// clientTypeFor maps token_endpoint_auth_method to the client type (RFC 7591 section 2)
func clientTypeFor(authMethod string) (string, error) {
	switch authMethod {
	case storage.TokenEndpointAuthNone:
		return ClientTypePublic, nil
	case storage.TokenEndpointAuthClientSecretPost, storage.TokenEndpointAuthClientSecretBasic:
		return ClientTypeConfidential, nil
	default:
		return "", fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidClientMetadata, authMethod)
	}
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := GenerateToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// AuthenticateClient verifies client credentials at the token endpoint.
// Public clients pass without a secret; confidential clients must present the
// secret issued at registration. Failures return ErrInvalidClient.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		s.auditClientAuthFailure(ctx, clientID, "unknown_client")
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if client.IsPublic() {
		return client, nil
	}

	// bcrypt compares in constant time
	if clientSecret == "" || bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		s.auditClientAuthFailure(ctx, clientID, "invalid_client_secret")
		return nil, ErrInvalidClient
	}
	return client, nil
}

// GetClient retrieves a registered client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}

func (s *Server) auditClientAuthFailure(ctx context.Context, clientID, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, security.ClientIPFromContext(ctx), reason)
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/internal/util"
	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/storage"
)

// TokenTypeBearer is the only token type issued
const TokenTypeBearer = "Bearer"

// hashLogLength is the number of hash characters included in log lines
const hashLogLength = 8

// TokenPair is the result of a successful issuance. The raw tokens are only
// ever available here; storage holds their hashes.
type TokenPair struct {
	AccessToken string
	// RefreshToken is empty when a refresh did not rotate the refresh token
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	Identity     storage.Identity
}

// grantParams describes a grant about to be created
type grantParams struct {
	userID         string
	organizationID string
	clientName     string
	clientID       string
	grantType      string
}

// CreateAuthorizationWithTokens creates an active grant together with one access
// token and one refresh token in a single store transaction
func (s *Server) CreateAuthorizationWithTokens(ctx context.Context, userID, organizationID, clientName string) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "create_authorization")
	defer span.End()

	pair, err := s.createGrant(ctx, grantParams{
		userID:         userID,
		organizationID: organizationID,
		clientName:     clientName,
		grantType:      "direct",
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddGrantAttributes(span, userID, organizationID, pair.Identity.AuthorizationID)
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

func (s *Server) createGrant(ctx context.Context, p grantParams) (*TokenPair, error) {
	if p.userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if p.clientID == "" {
		p.clientID = GenerateToken()
	}

	now := s.now()
	accessToken := GenerateToken()
	refreshToken := GenerateToken()

	grant := &storage.Grant{
		ID:             uuid.NewString(),
		UserID:         p.userID,
		OrganizationID: p.organizationID,
		ClientID:       p.clientID,
		ClientName:     p.clientName,
		IsActive:       true,
		CreatedAt:      now,
	}
	access := &storage.AccessToken{
		TokenHash:       HashToken(accessToken),
		AuthorizationID: grant.ID,
		ExpiresAt:       now.Add(s.Config.AccessTokenTTL),
		CreatedAt:       now,
	}
	refresh := &storage.RefreshToken{
		TokenHash:       HashToken(refreshToken),
		AuthorizationID: grant.ID,
		ExpiresAt:       now.Add(s.Config.RefreshTokenTTL),
		CreatedAt:       now,
	}

	if err := s.grants.CreateGrant(ctx, grant, access, refresh); err != nil {
		return nil, fmt.Errorf("failed to create authorization: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(grant.UserID, grant.ClientID, security.ClientIPFromContext(ctx), p.grantType)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokensIssued(ctx, p.grantType)
	}

	s.Logger.Info("Created authorization",
		"authorization_id", grant.ID,
		"client_name", grant.ClientName)

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.Config.AccessTokenTTL,
		Identity:     grant.Identity(),
	}, nil
}

// ValidateAccessToken resolves a bearer token to the identity of its grant.
// It returns nil, nil when the token is unknown, expired, or its grant was
// revoked. Storage failures are returned as errors so callers fail closed.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*storage.Identity, error) {
	ctx, span := s.startSpan(ctx, "validate_access_token")
	defer span.End()

	identity, err := s.validateAccessToken(ctx, token)
	if m := s.metrics(); m != nil && err == nil {
		m.RecordTokenValidation(ctx, identity != nil)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("oauth.token.valid", identity != nil))
	instrumentation.SetSpanSuccess(span)
	return identity, nil
}

func (s *Server) validateAccessToken(ctx context.Context, token string) (*storage.Identity, error) {
	if token == "" {
		return nil, nil
	}

	hash := HashToken(token)
	access, grant, err := s.grants.GetAccessToken(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up access token: %w", err)
	}

	if access.IsExpired(s.now()) {
		s.Logger.Debug("Access token expired", "token_hash", util.SafeTruncate(hash, hashLogLength))
		return nil, nil
	}
	if !grant.IsActive {
		s.Logger.Debug("Access token belongs to revoked authorization",
			"authorization_id", grant.ID)
		return nil, nil
	}

	identity := grant.Identity()
	return &identity, nil
}

// RefreshAccessToken mints a new access token under the grant owning refreshToken.
// With RotateRefreshTokens enabled the presented refresh token is revoked and a
// new one returned in the same store operation; otherwise TokenPair.RefreshToken
// is empty. Every rejection returns ErrInvalidGrant.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	ctx, span := s.startSpan(ctx, "refresh_access_token",
		attribute.Bool(instrumentation.AttrTokenRotated, s.Config.RotateRefreshTokens))
	defer span.End()

	pair, err := s.refreshAccessToken(ctx, refreshToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, pair.RefreshToken != "")
		m.RecordTokensIssued(ctx, "refresh_token")
	}
	instrumentation.SetSpanSuccess(span)
	return pair, nil
}

func (s *Server) refreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidGrant
	}

	hash := HashToken(refreshToken)
	current, grant, err := s.grants.GetRefreshToken(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		s.Logger.Debug("Unknown refresh token", "token_hash", util.SafeTruncate(hash, hashLogLength))
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	now := s.now()
	switch {
	case current.Revoked:
		s.Logger.Debug("Refresh token revoked", "authorization_id", grant.ID)
		return nil, ErrInvalidGrant
	case current.IsExpired(now):
		s.Logger.Debug("Refresh token expired", "authorization_id", grant.ID)
		return nil, ErrInvalidGrant
	case !grant.IsActive:
		s.Logger.Debug("Refresh token belongs to revoked authorization", "authorization_id", grant.ID)
		return nil, ErrInvalidGrant
	}

	accessToken := GenerateToken()
	access := &storage.AccessToken{
		TokenHash:       HashToken(accessToken),
		AuthorizationID: grant.ID,
		ExpiresAt:       now.Add(s.Config.AccessTokenTTL),
		CreatedAt:       now,
	}

	var rotation *storage.RefreshRotation
	var nextRefresh string
	if s.Config.RotateRefreshTokens {
		nextRefresh = GenerateToken()
		rotation = &storage.RefreshRotation{
			PreviousHash: hash,
			Next: &storage.RefreshToken{
				TokenHash:       HashToken(nextRefresh),
				AuthorizationID: grant.ID,
				ExpiresAt:       now.Add(s.Config.RefreshTokenTTL),
				CreatedAt:       now,
			},
		}
	}

	err = s.grants.IssueAccessToken(ctx, access, rotation, now)
	switch {
	case errors.Is(err, storage.ErrGrantInactive), errors.Is(err, storage.ErrTokenRevoked), errors.Is(err, storage.ErrNotFound):
		// Lost a race against revocation or a concurrent rotation
		s.Logger.Debug("Refresh rejected by store", "authorization_id", grant.ID, "error", err)
		return nil, ErrInvalidGrant
	case err != nil:
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(grant.UserID, grant.ClientID, security.ClientIPFromContext(ctx), rotation != nil)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: nextRefresh,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    s.Config.AccessTokenTTL,
		Identity:     grant.Identity(),
	}, nil
}

// RevokeAuthorization deactivates a grant and revokes all of its refresh tokens
// in one transaction. Access tokens of the grant stop validating immediately.
func (s *Server) RevokeAuthorization(ctx context.Context, authorizationID string) error {
	ctx, span := s.startSpan(ctx, "revoke_authorization",
		attribute.String(instrumentation.AttrAuthorizationID, authorizationID))
	defer span.End()

	if err := s.grants.RevokeGrant(ctx, authorizationID, s.now()); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to revoke authorization %s: %w", authorizationID, err)
	}

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationRevoked(ctx)
	}
	if s.Auditor != nil {
		s.Auditor.LogAuthorizationRevoked("", authorizationID, security.ClientIPFromContext(ctx))
	}
	s.Logger.Info("Revoked authorization", "authorization_id", authorizationID)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// RevokeToken revokes the grant owning token, which may be a refresh or an
// access token (RFC 7009). Unknown tokens are ignored. It returns the identity
// of the revoked grant, or nil when nothing was revoked.
func (s *Server) RevokeToken(ctx context.Context, token string) (*storage.Identity, error) {
	if token == "" {
		return nil, nil
	}
	hash := HashToken(token)

	var grant *storage.Grant
	_, g, err := s.grants.GetRefreshToken(ctx, hash)
	switch {
	case err == nil:
		grant = g
	case errors.Is(err, storage.ErrNotFound):
		_, g, err = s.grants.GetAccessToken(ctx, hash)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up access token: %w", err)
		}
		grant = g
	default:
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	if !grant.IsActive {
		identity := grant.Identity()
		return &identity, nil
	}
	if err := s.RevokeAuthorization(ctx, grant.ID); err != nil {
		return nil, err
	}
	identity := grant.Identity()
	return &identity, nil
}

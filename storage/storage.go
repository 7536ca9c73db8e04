package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a grant, token or client does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when inserting a key that is already present
	ErrAlreadyExists = errors.New("already exists")

	// ErrGrantInactive is returned when issuing tokens under a revoked grant
	ErrGrantInactive = errors.New("authorization grant is inactive")

	// ErrTokenRevoked is returned when rotating a refresh token that was already revoked
	ErrTokenRevoked = errors.New("refresh token revoked")
)

// GrantStore persists authorization grants and the tokens they own.
// All multi-record writes MUST be atomic: either every record is written or none is.
type GrantStore interface {
	// CreateGrant inserts a grant together with its first access and refresh token
	// in a single transaction.
	CreateGrant(ctx context.Context, grant *Grant, access *AccessToken, refresh *RefreshToken) error

	// GetAccessToken looks up an access token by hash and returns it with its owning grant.
	// Returns ErrNotFound if no token has that hash.
	GetAccessToken(ctx context.Context, tokenHash string) (*AccessToken, *Grant, error)

	// GetRefreshToken looks up a refresh token by hash and returns it with its owning grant.
	// Returns ErrNotFound if no token has that hash.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, *Grant, error)

	// IssueAccessToken stores a new access token under an existing grant and sets the
	// grant's LastUsedAt to at, atomically. When rotation is non-nil the refresh token
	// rotation.PreviousHash is revoked and rotation.Next is stored in the same transaction.
	// Returns ErrGrantInactive if the grant was revoked, ErrTokenRevoked if the previous
	// refresh token was already revoked.
	IssueAccessToken(ctx context.Context, token *AccessToken, rotation *RefreshRotation, at time.Time) error

	// RevokeGrant sets the grant inactive and marks every refresh token of the grant
	// revoked with RevokedAt=at, in a single transaction.
	// Returns ErrNotFound if the grant does not exist.
	RevokeGrant(ctx context.Context, authorizationID string, at time.Time) error

	// ListRefreshTokens returns every refresh token owned by a grant
	ListRefreshTokens(ctx context.Context, authorizationID string) ([]*RefreshToken, error)

	// DeleteExpiredAccessTokens removes access tokens that expired before now and
	// returns how many were removed. Refresh tokens are kept for forensics.
	DeleteExpiredAccessTokens(ctx context.Context, now time.Time) (int, error)
}

// ClientStore persists dynamically registered OAuth clients (RFC 7591)
type ClientStore interface {
	// SaveClient stores a client registration
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// Grant is the root of a token family. Grants are deactivated on revocation,
// never deleted.
type Grant struct {
	ID             string
	UserID         string
	OrganizationID string
	ClientID       string
	ClientName     string
	IsActive       bool
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

// Identity returns the identity bound to the grant
func (g *Grant) Identity() Identity {
	return Identity{
		UserID:          g.UserID,
		OrganizationID:  g.OrganizationID,
		AuthorizationID: g.ID,
	}
}

// AccessToken is an issued bearer token, stored by hash. Immutable once created.
type AccessToken struct {
	TokenHash       string
	AuthorizationID string
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// IsExpired reports whether the token expired before now
func (t *AccessToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// RefreshToken is an issued refresh token, stored by hash
type RefreshToken struct {
	TokenHash       string
	AuthorizationID string
	ExpiresAt       time.Time
	CreatedAt       time.Time
	Revoked         bool
	RevokedAt       time.Time
}

// IsExpired reports whether the token expired before now
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// RefreshRotation replaces one refresh token with another
type RefreshRotation struct {
	PreviousHash string
	Next         *RefreshToken
}

// Identity is what a valid access token resolves to
type Identity struct {
	UserID          string
	OrganizationID  string
	AuthorizationID string
}

// Token endpoint authentication methods supported for registered clients
const (
	TokenEndpointAuthNone              = "none"
	TokenEndpointAuthClientSecretPost  = "client_secret_post"
	TokenEndpointAuthClientSecretBasic = "client_secret_basic"
)

// Client represents a dynamically registered OAuth client
type Client struct {
	ClientID                string
	ClientName              string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	CreatedAt               time.Time
}

// IsPublic reports whether the client authenticates without a secret
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "" || c.TokenEndpointAuthMethod == TokenEndpointAuthNone
}

package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway/internal/testutil"
	"github.com/giantswarm/mcp-gateway/storage"
	"github.com/giantswarm/mcp-gateway/storage/mock"
)

func TestServer_CreateAuthorizationWithTokens(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "Claude Desktop")
	require.NoError(t, err)

	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	assert.Equal(t, TokenTypeBearer, pair.TokenType)
	assert.Equal(t, time.Hour, pair.ExpiresIn)
	assert.Equal(t, "user-1", pair.Identity.UserID)
	assert.Equal(t, "org-1", pair.Identity.OrganizationID)

	// Only hashes are stored
	_, _, err = store.GetAccessToken(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	access, grant, err := store.GetAccessToken(ctx, HashToken(pair.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, pair.Identity.AuthorizationID, access.AuthorizationID)
	assert.True(t, grant.IsActive)
	assert.Equal(t, "Claude Desktop", grant.ClientName)
	assert.Len(t, grant.ClientID, 43, "grant gets a fresh random client id")

	refresh, err := store.ListRefreshTokens(ctx, grant.ID)
	require.NoError(t, err)
	require.Len(t, refresh, 1)
	assert.Equal(t, HashToken(pair.RefreshToken), refresh[0].TokenHash)
}

func TestServer_CreateAuthorizationWithTokens_RequiresUser(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	_, err := srv.CreateAuthorizationWithTokens(context.Background(), "", "org-1", "client")
	assert.Error(t, err)
}

func TestServer_ValidateAccessToken(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string
		valid  bool
	}{
		{
			name: "valid token",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				return pair.AccessToken
			},
			valid: true,
		},
		{
			name: "valid just before expiry",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				clock.Advance(59 * time.Minute)
				return pair.AccessToken
			},
			valid: true,
		},
		{
			name: "unknown token",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				return GenerateToken()
			},
		},
		{
			name: "empty token",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				return ""
			},
		},
		{
			name: "refresh token presented as access token",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				return pair.RefreshToken
			},
		},
		{
			name: "expired token",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				clock.Advance(61 * time.Minute)
				return pair.AccessToken
			},
		},
		{
			name: "revoked authorization",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				require.NoError(t, srv.RevokeAuthorization(ctx, pair.Identity.AuthorizationID))
				return pair.AccessToken
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, clock := newTestServer(t, nil)
			pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "client")
			require.NoError(t, err)

			identity, err := srv.ValidateAccessToken(ctx, tt.mutate(t, srv, clock, pair))
			require.NoError(t, err)

			if !tt.valid {
				assert.Nil(t, identity)
				return
			}
			require.NotNil(t, identity)
			assert.Equal(t, pair.Identity, *identity)
		})
	}
}

func TestServer_ValidateAccessToken_StoreFailureFailsClosed(t *testing.T) {
	store := mock.NewMockStore()
	defer store.Stop()
	store.GetAccessTokenFunc = func(context.Context, string) (*storage.AccessToken, *storage.Grant, error) {
		return nil, nil, errors.New("connection refused")
	}

	srv, err := New(store, store, nil, testutil.DiscardLogger())
	require.NoError(t, err)

	identity, err := srv.ValidateAccessToken(context.Background(), "some-token")
	assert.Error(t, err)
	assert.Nil(t, identity)
}

func TestServer_RefreshAccessToken_WithoutRotation(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "client")
	require.NoError(t, err)

	refreshed, err := srv.RefreshAccessToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Empty(t, refreshed.RefreshToken, "refresh token is not rotated by default")
	assert.NotEqual(t, pair.AccessToken, refreshed.AccessToken)
	assert.Equal(t, pair.Identity, refreshed.Identity)

	identity, err := srv.ValidateAccessToken(ctx, refreshed.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, identity)

	// The original refresh token keeps working
	_, err = srv.RefreshAccessToken(ctx, pair.RefreshToken)
	require.NoError(t, err)

	_, grant, err := store.GetAccessToken(ctx, HashToken(refreshed.AccessToken))
	require.NoError(t, err)
	assert.False(t, grant.LastUsedAt.IsZero(), "LastUsedAt is updated on refresh")
}

func TestServer_RefreshAccessToken_WithRotation(t *testing.T) {
	srv, store, _ := newTestServer(t, &Config{RotateRefreshTokens: true})
	ctx := context.Background()

	pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "client")
	require.NoError(t, err)

	refreshed, err := srv.RefreshAccessToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, pair.RefreshToken, refreshed.RefreshToken)

	_, err = srv.RefreshAccessToken(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant, "rotated refresh token is single use")

	_, err = srv.RefreshAccessToken(ctx, refreshed.RefreshToken)
	assert.NoError(t, err)

	tokens, err := store.ListRefreshTokens(ctx, pair.Identity.AuthorizationID)
	require.NoError(t, err)
	assert.Len(t, tokens, 3)
}

func TestServer_RefreshAccessToken_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string
	}{
		{
			name: "unknown token",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				return GenerateToken()
			},
		},
		{
			name: "empty token",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				return ""
			},
		},
		{
			name: "access token presented as refresh token",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				return pair.AccessToken
			},
		},
		{
			name: "expired",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				clock.Advance(31 * 24 * time.Hour)
				return pair.RefreshToken
			},
		},
		{
			name: "revoked",
			mutate: func(t *testing.T, srv *Server, clock *testutil.MockTime, pair *TokenPair) string {
				require.NoError(t, srv.RevokeAuthorization(ctx, pair.Identity.AuthorizationID))
				return pair.RefreshToken
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, clock := newTestServer(t, nil)
			pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "client")
			require.NoError(t, err)

			got, err := srv.RefreshAccessToken(ctx, tt.mutate(t, srv, clock, pair))
			assert.ErrorIs(t, err, ErrInvalidGrant)
			assert.Nil(t, got)
		})
	}
}

func TestServer_RefreshAccessToken_LosesRaceWithRevocation(t *testing.T) {
	store := mock.NewMockStore()
	defer store.Stop()
	store.IssueAccessTokenFunc = func(context.Context, *storage.AccessToken, *storage.RefreshRotation, time.Time) error {
		return storage.ErrGrantInactive
	}

	srv, err := New(store, store, nil, testutil.DiscardLogger())
	require.NoError(t, err)

	pair, err := srv.CreateAuthorizationWithTokens(context.Background(), "user-1", "org-1", "client")
	require.NoError(t, err)

	_, err = srv.RefreshAccessToken(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestServer_RevokeAuthorization(t *testing.T) {
	srv, store, _ := newTestServer(t, &Config{RotateRefreshTokens: true})
	ctx := context.Background()

	pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "client")
	require.NoError(t, err)
	refreshed, err := srv.RefreshAccessToken(ctx, pair.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, srv.RevokeAuthorization(ctx, pair.Identity.AuthorizationID))

	for _, token := range []string{pair.AccessToken, refreshed.AccessToken} {
		identity, err := srv.ValidateAccessToken(ctx, token)
		require.NoError(t, err)
		assert.Nil(t, identity, "every access token of the grant stops validating")
	}

	tokens, err := store.ListRefreshTokens(ctx, pair.Identity.AuthorizationID)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	for _, rt := range tokens {
		assert.True(t, rt.Revoked)
		assert.False(t, rt.RevokedAt.IsZero())
	}

	// Grants are deactivated, never deleted
	_, grant, err := store.GetAccessToken(ctx, HashToken(pair.AccessToken))
	require.NoError(t, err)
	assert.False(t, grant.IsActive)
}

func TestServer_RevokeAuthorization_Unknown(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	err := srv.RevokeAuthorization(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestServer_RevokeAuthorization_AllOrNothing(t *testing.T) {
	store := mock.NewMockStore()
	defer store.Stop()

	srv, err := New(store, store, nil, testutil.DiscardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "client")
	require.NoError(t, err)

	store.RevokeGrantFunc = func(context.Context, string, time.Time) error {
		return errors.New("transaction aborted")
	}
	require.Error(t, srv.RevokeAuthorization(ctx, pair.Identity.AuthorizationID))

	identity, err := srv.ValidateAccessToken(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.NotNil(t, identity, "a failed revocation leaves the grant untouched")
}

func TestServer_RevokeToken(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		pick        func(pair *TokenPair) string
		wantRevoked bool
	}{
		{name: "by refresh token", pick: func(p *TokenPair) string { return p.RefreshToken }, wantRevoked: true},
		{name: "by access token", pick: func(p *TokenPair) string { return p.AccessToken }, wantRevoked: true},
		{name: "unknown token", pick: func(*TokenPair) string { return "nope" }},
		{name: "empty token", pick: func(*TokenPair) string { return "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(t, nil)
			pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "client")
			require.NoError(t, err)

			identity, err := srv.RevokeToken(ctx, tt.pick(pair))
			require.NoError(t, err)

			valid, err := srv.ValidateAccessToken(ctx, pair.AccessToken)
			require.NoError(t, err)

			if tt.wantRevoked {
				require.NotNil(t, identity)
				assert.Equal(t, pair.Identity.AuthorizationID, identity.AuthorizationID)
				assert.Nil(t, valid)
			} else {
				assert.Nil(t, identity)
				assert.NotNil(t, valid)
			}
		})
	}
}

func TestServer_PurgeExpiredTokens(t *testing.T) {
	srv, store, clock := newTestServer(t, nil)
	ctx := context.Background()

	pair, err := srv.CreateAuthorizationWithTokens(ctx, "user-1", "org-1", "client")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	srv.purgeExpiredTokens(ctx)

	_, _, err = store.GetAccessToken(ctx, HashToken(pair.AccessToken))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Refresh tokens are kept
	_, _, err = store.GetRefreshToken(ctx, HashToken(pair.RefreshToken))
	assert.NoError(t, err)
}

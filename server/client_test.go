package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-gateway/storage"
)

func TestServer_RegisterClient_Public(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	reg, err := srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs: []string{"", "http://localhost:3000/callback", "cursor://callback"},
	})
	require.NoError(t, err)

	assert.Empty(t, reg.ClientSecret)
	assert.Equal(t, DefaultClientName, reg.Client.ClientName)
	assert.Equal(t, storage.TokenEndpointAuthNone, reg.Client.TokenEndpointAuthMethod)
	assert.Equal(t, []string{"http://localhost:3000/callback", "cursor://callback"}, reg.Client.RedirectURIs)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, reg.Client.GrantTypes)
	assert.Empty(t, reg.Client.ClientSecretHash)

	stored, err := store.GetClient(ctx, reg.Client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, reg.Client.RedirectURIs, stored.RedirectURIs)
}

func TestServer_RegisterClient_Confidential(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	ctx := context.Background()

	reg, err := srv.RegisterClient(ctx, ClientRegistration{
		ClientName:              "  Backend  ",
		RedirectURIs:            []string{"https://localhost/cb"},
		TokenEndpointAuthMethod: storage.TokenEndpointAuthClientSecretPost,
	})
	require.NoError(t, err)
	require.NotEmpty(t, reg.ClientSecret)
	assert.Equal(t, "Backend", reg.Client.ClientName)

	stored, err := store.GetClient(ctx, reg.Client.ClientID)
	require.NoError(t, err)
	assert.NotEqual(t, reg.ClientSecret, stored.ClientSecretHash, "secret is stored hashed")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.ClientSecretHash), []byte(reg.ClientSecret)))
}

func TestServer_RegisterClient_Rejections(t *testing.T) {
	tests := []struct {
		name         string
		registration ClientRegistration
		wantMetadata bool
		wantCategory string
	}{
		{
			name: "unsupported auth method",
			registration: ClientRegistration{
				RedirectURIs:            []string{"http://localhost/cb"},
				TokenEndpointAuthMethod: "private_key_jwt",
			},
			wantMetadata: true,
		},
		{
			name:         "remote redirect URI",
			registration: ClientRegistration{RedirectURIs: []string{"https://example.com/cb"}},
			wantCategory: RedirectURIErrorCategoryNotLoopback,
		},
		{
			name:         "one bad URI rejects all",
			registration: ClientRegistration{RedirectURIs: []string{"http://localhost/cb", "javascript://alert"}},
			wantCategory: RedirectURIErrorCategoryNotLoopback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(t, nil)

			reg, err := srv.RegisterClient(context.Background(), tt.registration)
			require.Error(t, err)
			assert.Nil(t, reg)
			if tt.wantMetadata {
				assert.ErrorIs(t, err, ErrInvalidClientMetadata)
			}
			assert.Equal(t, tt.wantCategory, GetRedirectURIErrorCategory(err))
		})
	}
}

func TestServer_AuthenticateClient(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	public, err := srv.RegisterClient(ctx, ClientRegistration{RedirectURIs: []string{"http://localhost/cb"}})
	require.NoError(t, err)
	confidential, err := srv.RegisterClient(ctx, ClientRegistration{
		RedirectURIs:            []string{"http://localhost/cb"},
		TokenEndpointAuthMethod: storage.TokenEndpointAuthClientSecretBasic,
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "public without secret", clientID: public.Client.ClientID},
		{name: "confidential with secret", clientID: confidential.Client.ClientID, secret: confidential.ClientSecret},
		{name: "confidential without secret", clientID: confidential.Client.ClientID, wantErr: true},
		{name: "confidential wrong secret", clientID: confidential.Client.ClientID, secret: "wrong", wantErr: true},
		{name: "unknown client", clientID: "unknown", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.AuthenticateClient(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidClient)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.clientID, client.ClientID)
		})
	}
}

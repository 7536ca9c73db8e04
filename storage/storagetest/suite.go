// Package storagetest provides a behavioural test suite shared by every
// storage backend, so memory, sqlite and valkey are held to the same contract.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-gateway/internal/testutil"
	"github.com/giantswarm/mcp-gateway/storage"
)

// Store is what a backend must implement to run the suite
type Store interface {
	storage.GrantStore
	storage.ClientStore
}

// Run executes the full suite. newStore must return an empty store; any
// teardown belongs in t.Cleanup.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateGrantAndLookup", func(t *testing.T) { testCreateGrantAndLookup(t, newStore(t)) })
	t.Run("LookupUnknown", func(t *testing.T) { testLookupUnknown(t, newStore(t)) })
	t.Run("DuplicateGrant", func(t *testing.T) { testDuplicateGrant(t, newStore(t)) })
	t.Run("IssueAccessToken", func(t *testing.T) { testIssueAccessToken(t, newStore(t)) })
	t.Run("IssueAccessTokenWithRotation", func(t *testing.T) { testIssueWithRotation(t, newStore(t)) })
	t.Run("RevokeGrant", func(t *testing.T) { testRevokeGrant(t, newStore(t)) })
	t.Run("RevokeUnknownGrant", func(t *testing.T) { testRevokeUnknownGrant(t, newStore(t)) })
	t.Run("IssueAfterRevoke", func(t *testing.T) { testIssueAfterRevoke(t, newStore(t)) })
	t.Run("DeleteExpiredAccessTokens", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("Clients", func(t *testing.T) { testClients(t, newStore(t)) })
	t.Run("ConcurrentRotation", func(t *testing.T) { testConcurrentRotation(t, newStore(t)) })
}

func testCreateGrantAndLookup(t *testing.T, store Store) {
	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)

	access, grant, err := store.GetAccessToken(ctx, fx.AccessHash)
	require.NoError(t, err)
	assert.Equal(t, fx.Grant.ID, access.AuthorizationID)
	assert.Equal(t, "user-1", grant.UserID)
	assert.Equal(t, "org-1", grant.OrganizationID)
	assert.True(t, grant.IsActive)

	refresh, grant, err := store.GetRefreshToken(ctx, fx.RefreshHash)
	require.NoError(t, err)
	assert.Equal(t, fx.Grant.ID, refresh.AuthorizationID)
	assert.False(t, refresh.Revoked)
	assert.Equal(t, fx.Grant.ID, grant.ID)
}

func testLookupUnknown(t *testing.T, store Store) {
	ctx := context.Background()

	_, _, err := store.GetAccessToken(ctx, "does-not-exist")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "GetAccessToken() error = %v", err)

	_, _, err = store.GetRefreshToken(ctx, "does-not-exist")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "GetRefreshToken() error = %v", err)
}

func testDuplicateGrant(t *testing.T, store Store) {
	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)

	// Reusing the access token hash must fail and leave nothing behind
	grant := *fx.Grant
	grant.ID = "other-grant"
	err := store.CreateGrant(ctx, &grant,
		&storage.AccessToken{TokenHash: fx.AccessHash, AuthorizationID: grant.ID, ExpiresAt: time.Now().Add(time.Hour)},
		&storage.RefreshToken{TokenHash: "fresh-refresh", AuthorizationID: grant.ID, ExpiresAt: time.Now().Add(time.Hour)},
	)
	require.Error(t, err)

	_, _, err = store.GetRefreshToken(ctx, "fresh-refresh")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "partial grant was written: %v", err)
}

func testIssueAccessToken(t *testing.T, store Store) {
	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)
	usedAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)

	err := store.IssueAccessToken(ctx, &storage.AccessToken{
		TokenHash:       "second-access",
		AuthorizationID: fx.Grant.ID,
		ExpiresAt:       time.Now().Add(time.Hour),
		CreatedAt:       time.Now(),
	}, nil, usedAt)
	require.NoError(t, err)

	_, grant, err := store.GetAccessToken(ctx, "second-access")
	require.NoError(t, err)
	assert.True(t, grant.LastUsedAt.Equal(usedAt), "LastUsedAt = %v, want %v", grant.LastUsedAt, usedAt)

	// The original access token stays valid
	_, _, err = store.GetAccessToken(ctx, fx.AccessHash)
	assert.NoError(t, err)
}

func testIssueWithRotation(t *testing.T, store Store) {
	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)
	now := time.Now()

	err := store.IssueAccessToken(ctx,
		&storage.AccessToken{TokenHash: "rotated-access", AuthorizationID: fx.Grant.ID, ExpiresAt: now.Add(time.Hour)},
		&storage.RefreshRotation{
			PreviousHash: fx.RefreshHash,
			Next:         &storage.RefreshToken{TokenHash: "rotated-refresh", ExpiresAt: now.Add(time.Hour)},
		}, now)
	require.NoError(t, err)

	old, _, err := store.GetRefreshToken(ctx, fx.RefreshHash)
	require.NoError(t, err)
	assert.True(t, old.Revoked)

	next, _, err := store.GetRefreshToken(ctx, "rotated-refresh")
	require.NoError(t, err)
	assert.False(t, next.Revoked)
	assert.Equal(t, fx.Grant.ID, next.AuthorizationID)

	// Rotating the same token twice fails
	err = store.IssueAccessToken(ctx,
		&storage.AccessToken{TokenHash: "rotated-access-2", AuthorizationID: fx.Grant.ID, ExpiresAt: now.Add(time.Hour)},
		&storage.RefreshRotation{
			PreviousHash: fx.RefreshHash,
			Next:         &storage.RefreshToken{TokenHash: "rotated-refresh-2", ExpiresAt: now.Add(time.Hour)},
		}, now)
	assert.True(t, errors.Is(err, storage.ErrTokenRevoked), "second rotation error = %v", err)

	_, _, err = store.GetAccessToken(ctx, "rotated-access-2")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "failed rotation left an access token behind")
}

func testRevokeGrant(t *testing.T, store Store) {
	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)
	now := time.Now()

	require.NoError(t, store.IssueAccessToken(ctx,
		&storage.AccessToken{TokenHash: "a2", AuthorizationID: fx.Grant.ID, ExpiresAt: now.Add(time.Hour)},
		&storage.RefreshRotation{
			PreviousHash: fx.RefreshHash,
			Next:         &storage.RefreshToken{TokenHash: "r2", ExpiresAt: now.Add(time.Hour)},
		}, now))

	revokedAt := now.Add(time.Second).Truncate(time.Millisecond)
	require.NoError(t, store.RevokeGrant(ctx, fx.Grant.ID, revokedAt))

	_, grant, err := store.GetAccessToken(ctx, fx.AccessHash)
	require.NoError(t, err)
	assert.False(t, grant.IsActive)

	tokens, err := store.ListRefreshTokens(ctx, fx.Grant.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	for _, rt := range tokens {
		assert.True(t, rt.Revoked, "refresh token %s not revoked", rt.TokenHash)
		assert.False(t, rt.RevokedAt.IsZero(), "refresh token %s has no RevokedAt", rt.TokenHash)
	}
}

func testRevokeUnknownGrant(t *testing.T, store Store) {
	err := store.RevokeGrant(context.Background(), "no-such-grant", time.Now())
	assert.True(t, errors.Is(err, storage.ErrNotFound), "RevokeGrant() error = %v", err)
}

func testIssueAfterRevoke(t *testing.T, store Store) {
	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)

	require.NoError(t, store.RevokeGrant(ctx, fx.Grant.ID, time.Now()))

	err := store.IssueAccessToken(ctx, &storage.AccessToken{
		TokenHash:       "late-access",
		AuthorizationID: fx.Grant.ID,
		ExpiresAt:       time.Now().Add(time.Hour),
	}, nil, time.Now())
	assert.True(t, errors.Is(err, storage.ErrGrantInactive), "IssueAccessToken() error = %v", err)
}

func testDeleteExpired(t *testing.T, store Store) {
	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)

	require.NoError(t, store.IssueAccessToken(ctx, &storage.AccessToken{
		TokenHash:       "expired-access",
		AuthorizationID: fx.Grant.ID,
		ExpiresAt:       time.Now().Add(-time.Minute),
	}, nil, time.Now()))

	// Backends that expire keys natively may report zero here
	_, err := store.DeleteExpiredAccessTokens(ctx, time.Now())
	require.NoError(t, err)

	_, _, err = store.GetAccessToken(ctx, "expired-access")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, _, err = store.GetAccessToken(ctx, fx.AccessHash)
	assert.NoError(t, err)
}

func testClients(t *testing.T, store Store) {
	ctx := context.Background()

	client := &storage.Client{
		ClientID:                "client-1",
		ClientName:              "Cursor",
		RedirectURIs:            []string{"cursor://anysphere.cursor-retrieval/oauth/callback", "http://127.0.0.1:33418/callback"},
		TokenEndpointAuthMethod: storage.TokenEndpointAuthNone,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		CreatedAt:               time.Now(),
	}
	require.NoError(t, store.SaveClient(ctx, client))

	got, err := store.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, client.ClientName, got.ClientName)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.True(t, got.IsPublic())

	err = store.SaveClient(ctx, client)
	assert.True(t, errors.Is(err, storage.ErrAlreadyExists), "duplicate SaveClient() error = %v", err)

	_, err = store.GetClient(ctx, "unknown")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testConcurrentRotation(t *testing.T, store Store) {
	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)
	now := time.Now()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			suffix := string(rune('a' + i))
			err := store.IssueAccessToken(ctx,
				&storage.AccessToken{TokenHash: "concurrent-access-" + suffix, AuthorizationID: fx.Grant.ID, ExpiresAt: now.Add(time.Hour)},
				&storage.RefreshRotation{
					PreviousHash: fx.RefreshHash,
					Next:         &storage.RefreshToken{TokenHash: "concurrent-refresh-" + suffix, ExpiresAt: now.Add(time.Hour)},
				}, now)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one concurrent rotation may win")
}

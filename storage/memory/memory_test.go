package memory

import (
	"context"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/internal/testutil"
	"github.com/giantswarm/mcp-gateway/storage"
	"github.com/giantswarm/mcp-gateway/storage/storagetest"
)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		store := New()
		store.SetLogger(testutil.DiscardLogger())
		t.Cleanup(store.Stop)
		return store
	})
}

func TestStore_ActiveGrants(t *testing.T) {
	store := New()
	defer store.Stop()

	first := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)
	testutil.SeedGrant(t, store, "user-2", "org-1", time.Hour)

	if got := store.ActiveGrants(); got != 2 {
		t.Fatalf("ActiveGrants() = %d, want 2", got)
	}

	if err := store.RevokeGrant(context.Background(), first.Grant.ID, time.Now()); err != nil {
		t.Fatalf("RevokeGrant() error = %v", err)
	}
	if got := store.ActiveGrants(); got != 1 {
		t.Errorf("ActiveGrants() after revoke = %d, want 1", got)
	}

	// Revoking twice must not decrement again
	if err := store.RevokeGrant(context.Background(), first.Grant.ID, time.Now()); err != nil {
		t.Fatalf("second RevokeGrant() error = %v", err)
	}
	if got := store.ActiveGrants(); got != 1 {
		t.Errorf("ActiveGrants() after second revoke = %d, want 1", got)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	store := New()
	defer store.Stop()

	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)

	_, grant, err := store.GetAccessToken(ctx, fx.AccessHash)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	grant.IsActive = false
	grant.UserID = "mallory"

	_, again, err := store.GetAccessToken(ctx, fx.AccessHash)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if !again.IsActive || again.UserID != "user-1" {
		t.Errorf("mutating a returned grant changed the stored grant: %+v", again)
	}
}

func TestStore_CreateGrant_Validation(t *testing.T) {
	store := New()
	defer store.Stop()

	tests := []struct {
		name    string
		grant   *storage.Grant
		access  *storage.AccessToken
		refresh *storage.RefreshToken
	}{
		{
			name:    "nil grant",
			access:  &storage.AccessToken{TokenHash: "a"},
			refresh: &storage.RefreshToken{TokenHash: "r"},
		},
		{
			name:    "empty grant ID",
			grant:   &storage.Grant{},
			access:  &storage.AccessToken{TokenHash: "a"},
			refresh: &storage.RefreshToken{TokenHash: "r"},
		},
		{
			name:    "missing refresh token",
			grant:   &storage.Grant{ID: "g"},
			access:  &storage.AccessToken{TokenHash: "a"},
			refresh: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.CreateGrant(context.Background(), tt.grant, tt.access, tt.refresh); err == nil {
				t.Error("CreateGrant() expected error, got nil")
			}
		})
	}
}

func TestStore_CleanupLoop(t *testing.T) {
	store := NewWithInterval(20 * time.Millisecond)
	defer store.Stop()
	store.SetLogger(testutil.DiscardLogger())

	ctx := context.Background()
	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)

	err := store.IssueAccessToken(ctx, &storage.AccessToken{
		TokenHash:       "short-lived",
		AuthorizationID: fx.Grant.ID,
		ExpiresAt:       time.Now().Add(10 * time.Millisecond),
	}, nil, time.Now())
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := store.GetAccessToken(ctx, "short-lived"); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expired access token was not removed by the cleanup loop")
}

func TestStore_StopIsIdempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}

func TestStore_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := New()
	defer store.Stop()
	store.SetInstrumentation(inst)

	fx := testutil.SeedGrant(t, store, "user-1", "org-1", time.Hour)
	if _, _, err := store.GetAccessToken(context.Background(), fx.AccessHash); err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if _, _, err := store.GetAccessToken(context.Background(), "missing"); err == nil {
		t.Error("GetAccessToken() for a missing token should fail")
	}
}

package testutil

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// DiscardLogger returns a logger that drops every record
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateRandomString returns a URL-safe random string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-._~"
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

// GeneratePKCEPair generates a valid S256 PKCE challenge and verifier pair.
// Returns (challenge, verifier).
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// GrantFixture seeds a store with an active grant and returns it with the
// hashes of its first access and refresh token.
type GrantFixture struct {
	Grant       *storage.Grant
	AccessHash  string
	RefreshHash string
}

// SeedGrant creates an active grant for user/org with tokens expiring after ttl
func SeedGrant(t *testing.T, store storage.GrantStore, userID, orgID string, ttl time.Duration) *GrantFixture {
	t.Helper()

	now := time.Now()
	grant := &storage.Grant{
		ID:             uuid.NewString(),
		UserID:         userID,
		OrganizationID: orgID,
		ClientID:       uuid.NewString(),
		ClientName:     "fixture",
		IsActive:       true,
		CreatedAt:      now,
	}
	access := &storage.AccessToken{
		TokenHash:       GenerateRandomString(64),
		AuthorizationID: grant.ID,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}
	refresh := &storage.RefreshToken{
		TokenHash:       GenerateRandomString(64),
		AuthorizationID: grant.ID,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}

	if err := store.CreateGrant(context.Background(), grant, access, refresh); err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	return &GrantFixture{Grant: grant, AccessHash: access.TokenHash, RefreshHash: refresh.TokenHash}
}

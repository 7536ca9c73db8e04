// Package mock provides mock implementations of storage interfaces for testing.
// Every method delegates to an in-memory store unless its Func hook is replaced,
// which lets tests inject failures into a single operation.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway/storage"
	"github.com/giantswarm/mcp-gateway/storage/memory"
)

// MockStore is a mock implementation of GrantStore and ClientStore for testing
type MockStore struct {
	backing *memory.Store

	CreateGrantFunc               func(ctx context.Context, grant *storage.Grant, access *storage.AccessToken, refresh *storage.RefreshToken) error
	GetAccessTokenFunc            func(ctx context.Context, tokenHash string) (*storage.AccessToken, *storage.Grant, error)
	GetRefreshTokenFunc           func(ctx context.Context, tokenHash string) (*storage.RefreshToken, *storage.Grant, error)
	IssueAccessTokenFunc          func(ctx context.Context, token *storage.AccessToken, rotation *storage.RefreshRotation, at time.Time) error
	RevokeGrantFunc               func(ctx context.Context, authorizationID string, at time.Time) error
	ListRefreshTokensFunc         func(ctx context.Context, authorizationID string) ([]*storage.RefreshToken, error)
	DeleteExpiredAccessTokensFunc func(ctx context.Context, now time.Time) (int, error)
	SaveClientFunc                func(ctx context.Context, client *storage.Client) error
	GetClientFunc                 func(ctx context.Context, clientID string) (*storage.Client, error)

	countsMu   sync.Mutex
	callCounts map[string]int
}

var (
	_ storage.GrantStore  = (*MockStore)(nil)
	_ storage.ClientStore = (*MockStore)(nil)
)

// NewMockStore creates a mock store backed by a fresh in-memory store
func NewMockStore() *MockStore {
	b := memory.New()
	return &MockStore{
		backing:                       b,
		CreateGrantFunc:               b.CreateGrant,
		GetAccessTokenFunc:            b.GetAccessToken,
		GetRefreshTokenFunc:           b.GetRefreshToken,
		IssueAccessTokenFunc:          b.IssueAccessToken,
		RevokeGrantFunc:               b.RevokeGrant,
		ListRefreshTokensFunc:         b.ListRefreshTokens,
		DeleteExpiredAccessTokensFunc: b.DeleteExpiredAccessTokens,
		SaveClientFunc:                b.SaveClient,
		GetClientFunc:                 b.GetClient,
		callCounts:                    make(map[string]int),
	}
}

// Stop releases the backing store
func (m *MockStore) Stop() {
	m.backing.Stop()
}

func (m *MockStore) count(name string) {
	m.countsMu.Lock()
	m.callCounts[name]++
	m.countsMu.Unlock()
}

// CallCount returns how many times the named method was called
func (m *MockStore) CallCount(name string) int {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	return m.callCounts[name]
}

// ResetCallCounts resets all call counters
func (m *MockStore) ResetCallCounts() {
	m.countsMu.Lock()
	m.callCounts = make(map[string]int)
	m.countsMu.Unlock()
}

func (m *MockStore) CreateGrant(ctx context.Context, grant *storage.Grant, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	m.count("CreateGrant")
	return m.CreateGrantFunc(ctx, grant, access, refresh)
}

func (m *MockStore) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, *storage.Grant, error) {
	m.count("GetAccessToken")
	return m.GetAccessTokenFunc(ctx, tokenHash)
}

func (m *MockStore) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, *storage.Grant, error) {
	m.count("GetRefreshToken")
	return m.GetRefreshTokenFunc(ctx, tokenHash)
}

func (m *MockStore) IssueAccessToken(ctx context.Context, token *storage.AccessToken, rotation *storage.RefreshRotation, at time.Time) error {
	m.count("IssueAccessToken")
	return m.IssueAccessTokenFunc(ctx, token, rotation, at)
}

func (m *MockStore) RevokeGrant(ctx context.Context, authorizationID string, at time.Time) error {
	m.count("RevokeGrant")
	return m.RevokeGrantFunc(ctx, authorizationID, at)
}

func (m *MockStore) ListRefreshTokens(ctx context.Context, authorizationID string) ([]*storage.RefreshToken, error) {
	m.count("ListRefreshTokens")
	return m.ListRefreshTokensFunc(ctx, authorizationID)
}

func (m *MockStore) DeleteExpiredAccessTokens(ctx context.Context, now time.Time) (int, error) {
	m.count("DeleteExpiredAccessTokens")
	return m.DeleteExpiredAccessTokensFunc(ctx, now)
}

func (m *MockStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.count("SaveClient")
	return m.SaveClientFunc(ctx, client)
}

func (m *MockStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.count("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

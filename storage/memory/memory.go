// Package memory provides an in-memory implementation of the storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-gateway/instrumentation"
	"github.com/giantswarm/mcp-gateway/internal/util"
	"github.com/giantswarm/mcp-gateway/storage"
)

const (
	// backendName labels storage metrics and spans
	backendName = "memory"

	// tokenHashLogLength is the number of hash characters included in log lines
	tokenHashLogLength = 8
)

// Store is an in-memory implementation of GrantStore and ClientStore.
// A single RWMutex guards all maps, so every multi-record write is atomic.
type Store struct {
	mu sync.RWMutex

	grants        map[string]*storage.Grant        // grant ID -> grant
	accessTokens  map[string]*storage.AccessToken  // token hash -> token
	refreshTokens map[string]*storage.RefreshToken // token hash -> token
	grantRefresh  map[string][]string              // grant ID -> refresh token hashes
	clients       map[string]*storage.Client       // client ID -> client

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Lock-free counter read by the metrics callback
	activeGrantsAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		grants:          make(map[string]*storage.Grant),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		grantRefresh:    make(map[string][]string),
		clients:         make(map[string]*storage.Client),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()
}

// ActiveGrants returns the number of active grants
func (s *Store) ActiveGrants() int64 {
	return s.activeGrantsAtomic.Load()
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant inserts a grant with its first access and refresh token
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant, access *storage.AccessToken, refresh *storage.RefreshToken) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_grant")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "create_grant", &err, time.Now())

	if grant == nil || grant.ID == "" {
		return fmt.Errorf("grant ID cannot be empty")
	}
	if access == nil || refresh == nil {
		return fmt.Errorf("grant %s: access and refresh token are required", grant.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		return fmt.Errorf("grant %s: %w", grant.ID, storage.ErrAlreadyExists)
	}
	if _, exists := s.accessTokens[access.TokenHash]; exists {
		return fmt.Errorf("access token: %w", storage.ErrAlreadyExists)
	}
	if _, exists := s.refreshTokens[refresh.TokenHash]; exists {
		return fmt.Errorf("refresh token: %w", storage.ErrAlreadyExists)
	}

	g := *grant
	a := *access
	r := *refresh
	a.AuthorizationID = g.ID
	r.AuthorizationID = g.ID

	s.grants[g.ID] = &g
	s.accessTokens[a.TokenHash] = &a
	s.refreshTokens[r.TokenHash] = &r
	s.grantRefresh[g.ID] = append(s.grantRefresh[g.ID], r.TokenHash)

	if g.IsActive {
		s.activeGrantsAtomic.Add(1)
	}

	s.logger.Debug("Created authorization grant",
		"authorization_id", g.ID,
		"client_name", g.ClientName)

	return nil
}

// GetAccessToken looks up an access token and its owning grant
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (_ *storage.AccessToken, _ *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_access_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[tokenHash]
	if !ok {
		return nil, nil, fmt.Errorf("access token %s: %w", util.SafeTruncate(tokenHash, tokenHashLogLength), storage.ErrNotFound)
	}
	grant, ok := s.grants[token.AuthorizationID]
	if !ok {
		return nil, nil, fmt.Errorf("grant %s: %w", token.AuthorizationID, storage.ErrNotFound)
	}

	t := *token
	g := *grant
	return &t, &g, nil
}

// GetRefreshToken looks up a refresh token and its owning grant
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, _ *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_refresh_token", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, nil, fmt.Errorf("refresh token %s: %w", util.SafeTruncate(tokenHash, tokenHashLogLength), storage.ErrNotFound)
	}
	grant, ok := s.grants[token.AuthorizationID]
	if !ok {
		return nil, nil, fmt.Errorf("grant %s: %w", token.AuthorizationID, storage.ErrNotFound)
	}

	t := *token
	g := *grant
	return &t, &g, nil
}

// IssueAccessToken stores a new access token, optionally rotating the refresh token
func (s *Store) IssueAccessToken(ctx context.Context, token *storage.AccessToken, rotation *storage.RefreshRotation, at time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "issue_access_token")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "issue_access_token", &err, time.Now())

	if token == nil {
		return fmt.Errorf("access token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[token.AuthorizationID]
	if !ok {
		return fmt.Errorf("grant %s: %w", token.AuthorizationID, storage.ErrNotFound)
	}
	if !grant.IsActive {
		return fmt.Errorf("grant %s: %w", grant.ID, storage.ErrGrantInactive)
	}
	if _, exists := s.accessTokens[token.TokenHash]; exists {
		return fmt.Errorf("access token: %w", storage.ErrAlreadyExists)
	}

	// Validate the rotation completely before mutating anything
	var previous *storage.RefreshToken
	if rotation != nil {
		previous, ok = s.refreshTokens[rotation.PreviousHash]
		if !ok || previous.AuthorizationID != grant.ID {
			return fmt.Errorf("refresh token: %w", storage.ErrNotFound)
		}
		if previous.Revoked {
			return storage.ErrTokenRevoked
		}
		if rotation.Next == nil {
			return fmt.Errorf("rotation requires a next refresh token")
		}
		if _, exists := s.refreshTokens[rotation.Next.TokenHash]; exists {
			return fmt.Errorf("refresh token: %w", storage.ErrAlreadyExists)
		}
	}

	t := *token
	s.accessTokens[t.TokenHash] = &t
	grant.LastUsedAt = at

	if previous != nil {
		previous.Revoked = true
		previous.RevokedAt = at
		next := *rotation.Next
		next.AuthorizationID = grant.ID
		s.refreshTokens[next.TokenHash] = &next
		s.grantRefresh[grant.ID] = append(s.grantRefresh[grant.ID], next.TokenHash)
	}

	return nil
}

// RevokeGrant deactivates a grant and revokes all of its refresh tokens
func (s *Store) RevokeGrant(ctx context.Context, authorizationID string, at time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_grant")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "revoke_grant", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[authorizationID]
	if !ok {
		return fmt.Errorf("grant %s: %w", authorizationID, storage.ErrNotFound)
	}

	if grant.IsActive {
		grant.IsActive = false
		s.activeGrantsAtomic.Add(-1)
	}

	revoked := 0
	for _, hash := range s.grantRefresh[authorizationID] {
		if rt, ok := s.refreshTokens[hash]; ok && !rt.Revoked {
			rt.Revoked = true
			rt.RevokedAt = at
			revoked++
		}
	}

	s.logger.Info("Revoked authorization grant",
		"authorization_id", authorizationID,
		"refresh_tokens_revoked", revoked)

	return nil
}

// ListRefreshTokens returns copies of every refresh token owned by a grant
func (s *Store) ListRefreshTokens(ctx context.Context, authorizationID string) ([]*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hashes := s.grantRefresh[authorizationID]
	out := make([]*storage.RefreshToken, 0, len(hashes))
	for _, hash := range hashes {
		if rt, ok := s.refreshTokens[hash]; ok {
			c := *rt
			out = append(out, &c)
		}
	}
	return out, nil
}

// DeleteExpiredAccessTokens removes access tokens that expired before now
func (s *Store) DeleteExpiredAccessTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for hash, token := range s.accessTokens {
		if token.IsExpired(now) {
			delete(s.accessTokens, hash)
			deleted++
		}
	}
	return deleted, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	c := *client
	c.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	c.GrantTypes = append([]string(nil), client.GrantTypes...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[c.ClientID]; exists {
		return fmt.Errorf("client %s: %w", c.ClientID, storage.ErrAlreadyExists)
	}
	s.clients[c.ClientID] = &c

	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}

	c := *client
	c.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	c.GrantTypes = append([]string(nil), client.GrantTypes...)
	return &c, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	deleted, _ := s.DeleteExpiredAccessTokens(context.Background(), time.Now())
	if deleted > 0 {
		s.logger.Debug("Cleaned up expired access tokens", "count", deleted)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, noop.Span{}
	}

	return tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageBackend, backendName),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status.
// errp points at the caller's named error result so deferred calls see the final value.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	result := "success"
	if err := *errp; err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	inst.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}

package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-gateway/internal/util"
	"github.com/giantswarm/mcp-gateway/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp:"

	// tokenHashLogLength is the number of characters to include when logging token hashes
	tokenHashLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of GrantStore and ClientStore.
// Multi-key writes run as Lua scripts so they are atomic on the server.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) grantKey(id string) string {
	return s.prefix + "grant:" + id
}

func (s *Store) accessKey(hash string) string {
	return s.prefix + "access:" + hash
}

func (s *Store) refreshKeyPrefix() string {
	return s.prefix + "refresh:"
}

func (s *Store) refreshKey(hash string) string {
	return s.refreshKeyPrefix() + hash
}

func (s *Store) grantRefreshKey(id string) string {
	return s.prefix + "grant_refresh:" + id
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

// ============================================================
// JSON Serialization Helpers
// ============================================================
//
// Timestamps are stored as Unix milliseconds so the Lua scripts can compare
// and rewrite them without parsing dates.

type grantJSON struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	ClientID       string `json:"client_id"`
	ClientName     string `json:"client_name"`
	IsActive       bool   `json:"is_active"`
	CreatedAt      int64  `json:"created_at"`
	LastUsedAt     int64  `json:"last_used_at"`
}

func toGrantJSON(g *storage.Grant) *grantJSON {
	return &grantJSON{
		ID:             g.ID,
		UserID:         g.UserID,
		OrganizationID: g.OrganizationID,
		ClientID:       g.ClientID,
		ClientName:     g.ClientName,
		IsActive:       g.IsActive,
		CreatedAt:      toMillis(g.CreatedAt),
		LastUsedAt:     toMillis(g.LastUsedAt),
	}
}

func fromGrantJSON(j *grantJSON) *storage.Grant {
	return &storage.Grant{
		ID:             j.ID,
		UserID:         j.UserID,
		OrganizationID: j.OrganizationID,
		ClientID:       j.ClientID,
		ClientName:     j.ClientName,
		IsActive:       j.IsActive,
		CreatedAt:      fromMillis(j.CreatedAt),
		LastUsedAt:     fromMillis(j.LastUsedAt),
	}
}

type accessTokenJSON struct {
	TokenHash       string `json:"token_hash"`
	AuthorizationID string `json:"authorization_id"`
	ExpiresAt       int64  `json:"expires_at"`
	CreatedAt       int64  `json:"created_at"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		TokenHash:       t.TokenHash,
		AuthorizationID: t.AuthorizationID,
		ExpiresAt:       toMillis(t.ExpiresAt),
		CreatedAt:       toMillis(t.CreatedAt),
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	return &storage.AccessToken{
		TokenHash:       j.TokenHash,
		AuthorizationID: j.AuthorizationID,
		ExpiresAt:       fromMillis(j.ExpiresAt),
		CreatedAt:       fromMillis(j.CreatedAt),
	}
}

type refreshTokenJSON struct {
	TokenHash       string `json:"token_hash"`
	AuthorizationID string `json:"authorization_id"`
	ExpiresAt       int64  `json:"expires_at"`
	CreatedAt       int64  `json:"created_at"`
	Revoked         bool   `json:"revoked"`
	RevokedAt       int64  `json:"revoked_at"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		TokenHash:       t.TokenHash,
		AuthorizationID: t.AuthorizationID,
		ExpiresAt:       toMillis(t.ExpiresAt),
		CreatedAt:       toMillis(t.CreatedAt),
		Revoked:         t.Revoked,
		RevokedAt:       toMillis(t.RevokedAt),
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	return &storage.RefreshToken{
		TokenHash:       j.TokenHash,
		AuthorizationID: j.AuthorizationID,
		ExpiresAt:       fromMillis(j.ExpiresAt),
		CreatedAt:       fromMillis(j.CreatedAt),
		Revoked:         j.Revoked,
		RevokedAt:       fromMillis(j.RevokedAt),
	}
}

type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientName:              c.ClientName,
		ClientSecretHash:        c.ClientSecretHash,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		CreatedAt:               toMillis(c.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientName:              j.ClientName,
		ClientSecretHash:        j.ClientSecretHash,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		CreatedAt:               fromMillis(j.CreatedAt),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// getAndUnmarshal fetches a key and decodes its JSON value.
// Returns storage.ErrNotFound when the key does not exist.
func getAndUnmarshal[J any](ctx context.Context, s *Store, key, what string) (*J, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%s: %w", what, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return &j, nil
}

func truncateHash(hash string) string {
	return util.SafeTruncate(hash, tokenHashLogLength)
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

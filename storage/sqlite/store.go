package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/giantswarm/mcp-gateway/internal/util"
	"github.com/giantswarm/mcp-gateway/storage"
)

const (
	// MemoryPath opens a private in-memory database
	MemoryPath = ":memory:"

	tokenHashLogLength = 8
)

// Config holds configuration for the SQLite storage backend
type Config struct {
	// Path is the database file (required). Parent directories are created.
	Path string

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a SQLite-backed implementation of GrantStore and ClientStore
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ storage.GrantStore  = (*Store)(nil)
	_ storage.ClientStore = (*Store)(nil)
)

// New opens (or creates) the database and applies the schema
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", cfg.Path)
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS grants (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			organization_id TEXT NOT NULL,
			client_id       TEXT NOT NULL,
			client_name     TEXT NOT NULL,
			is_active       INTEGER NOT NULL,
			created_at      INTEGER NOT NULL,
			last_used_at    INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS access_tokens (
			token_hash       TEXT PRIMARY KEY,
			authorization_id TEXT NOT NULL REFERENCES grants(id),
			expires_at       INTEGER NOT NULL,
			created_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_access_tokens_expires_at
			ON access_tokens(expires_at);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token_hash       TEXT PRIMARY KEY,
			authorization_id TEXT NOT NULL REFERENCES grants(id),
			expires_at       INTEGER NOT NULL,
			created_at       INTEGER NOT NULL,
			revoked          INTEGER NOT NULL DEFAULT 0,
			revoked_at       INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_authorization_id
			ON refresh_tokens(authorization_id);

		CREATE TABLE IF NOT EXISTS clients (
			client_id                  TEXT PRIMARY KEY,
			client_name                TEXT NOT NULL,
			client_secret_hash         TEXT NOT NULL,
			redirect_uris              TEXT NOT NULL,
			token_endpoint_auth_method TEXT NOT NULL,
			grant_types                TEXT NOT NULL,
			created_at                 INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant inserts a grant with its first access and refresh token
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant, access *storage.AccessToken, refresh *storage.RefreshToken) error {
	if grant == nil || grant.ID == "" {
		return fmt.Errorf("grant ID cannot be empty")
	}
	if access == nil || refresh == nil {
		return fmt.Errorf("grant %s: access and refresh token are required", grant.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO grants (id, user_id, organization_id, client_id, client_name, is_active, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID, grant.UserID, grant.OrganizationID, grant.ClientID, grant.ClientName,
		grant.IsActive, toMillis(grant.CreatedAt), toMillis(grant.LastUsedAt))
	if err != nil {
		return wrapInsertError("grant", err)
	}

	if err := insertAccessToken(ctx, tx, access, grant.ID); err != nil {
		return err
	}
	if err := insertRefreshToken(ctx, tx, refresh, grant.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing grant: %w", err)
	}

	s.logger.Debug("Created authorization grant",
		"authorization_id", grant.ID,
		"client_name", grant.ClientName)
	return nil
}

const grantColumns = `g.id, g.user_id, g.organization_id, g.client_id, g.client_name, g.is_active, g.created_at, g.last_used_at`

// GetAccessToken looks up an access token and its owning grant
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, *storage.Grant, error) {
	var (
		t                    storage.AccessToken
		g                    storage.Grant
		expiresAt, createdAt int64
		gCreated, gLastUsed  int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT a.token_hash, a.authorization_id, a.expires_at, a.created_at, `+grantColumns+`
		 FROM access_tokens a JOIN grants g ON g.id = a.authorization_id
		 WHERE a.token_hash = ?`, tokenHash,
	).Scan(&t.TokenHash, &t.AuthorizationID, &expiresAt, &createdAt,
		&g.ID, &g.UserID, &g.OrganizationID, &g.ClientID, &g.ClientName, &g.IsActive, &gCreated, &gLastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("access token %s: %w", util.SafeTruncate(tokenHash, tokenHashLogLength), storage.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("querying access token: %w", err)
	}

	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	g.CreatedAt = fromMillis(gCreated)
	g.LastUsedAt = fromMillis(gLastUsed)
	return &t, &g, nil
}

// GetRefreshToken looks up a refresh token and its owning grant
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, *storage.Grant, error) {
	var (
		t                               storage.RefreshToken
		g                               storage.Grant
		expiresAt, createdAt, revokedAt int64
		gCreated, gLastUsed             int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT r.token_hash, r.authorization_id, r.expires_at, r.created_at, r.revoked, r.revoked_at, `+grantColumns+`
		 FROM refresh_tokens r JOIN grants g ON g.id = r.authorization_id
		 WHERE r.token_hash = ?`, tokenHash,
	).Scan(&t.TokenHash, &t.AuthorizationID, &expiresAt, &createdAt, &t.Revoked, &revokedAt,
		&g.ID, &g.UserID, &g.OrganizationID, &g.ClientID, &g.ClientName, &g.IsActive, &gCreated, &gLastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("refresh token %s: %w", util.SafeTruncate(tokenHash, tokenHashLogLength), storage.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("querying refresh token: %w", err)
	}

	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	t.RevokedAt = fromMillis(revokedAt)
	g.CreatedAt = fromMillis(gCreated)
	g.LastUsedAt = fromMillis(gLastUsed)
	return &t, &g, nil
}

// IssueAccessToken stores a new access token, optionally rotating the refresh token
func (s *Store) IssueAccessToken(ctx context.Context, token *storage.AccessToken, rotation *storage.RefreshRotation, at time.Time) error {
	if token == nil {
		return fmt.Errorf("access token cannot be nil")
	}
	if rotation != nil && rotation.Next == nil {
		return fmt.Errorf("rotation requires a next refresh token")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT is_active FROM grants WHERE id = ?`, token.AuthorizationID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("grant %s: %w", token.AuthorizationID, storage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying grant: %w", err)
	}
	if !active {
		return fmt.Errorf("grant %s: %w", token.AuthorizationID, storage.ErrGrantInactive)
	}

	if rotation != nil {
		// The revoked = 0 guard makes a concurrent second rotation affect no rows
		res, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET revoked = 1, revoked_at = ?
			 WHERE token_hash = ? AND authorization_id = ? AND revoked = 0`,
			toMillis(at), rotation.PreviousHash, token.AuthorizationID)
		if err != nil {
			return fmt.Errorf("revoking previous refresh token: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var revoked bool
			err := tx.QueryRowContext(ctx,
				`SELECT revoked FROM refresh_tokens WHERE token_hash = ? AND authorization_id = ?`,
				rotation.PreviousHash, token.AuthorizationID).Scan(&revoked)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("refresh token: %w", storage.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("querying previous refresh token: %w", err)
			}
			return storage.ErrTokenRevoked
		}
		if err := insertRefreshToken(ctx, tx, rotation.Next, token.AuthorizationID); err != nil {
			return err
		}
	}

	if err := insertAccessToken(ctx, tx, token, token.AuthorizationID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE grants SET last_used_at = ? WHERE id = ?`, toMillis(at), token.AuthorizationID); err != nil {
		return fmt.Errorf("touching grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing access token: %w", err)
	}
	return nil
}

// RevokeGrant deactivates a grant and revokes all of its refresh tokens
func (s *Store) RevokeGrant(ctx context.Context, authorizationID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `UPDATE grants SET is_active = 0 WHERE id = ?`, authorizationID)
	if err != nil {
		return fmt.Errorf("deactivating grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("grant %s: %w", authorizationID, storage.ErrNotFound)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1, revoked_at = ?
		 WHERE authorization_id = ? AND revoked = 0`,
		toMillis(at), authorizationID)
	if err != nil {
		return fmt.Errorf("revoking refresh tokens: %w", err)
	}
	revoked, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing revocation: %w", err)
	}

	s.logger.Info("Revoked authorization grant",
		"authorization_id", authorizationID,
		"refresh_tokens_revoked", revoked)
	return nil
}

// ListRefreshTokens returns every refresh token owned by a grant
func (s *Store) ListRefreshTokens(ctx context.Context, authorizationID string) ([]*storage.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_hash, authorization_id, expires_at, created_at, revoked, revoked_at
		 FROM refresh_tokens WHERE authorization_id = ? ORDER BY created_at`, authorizationID)
	if err != nil {
		return nil, fmt.Errorf("listing refresh tokens: %w", err)
	}
	defer rows.Close()

	out := []*storage.RefreshToken{}
	for rows.Next() {
		var (
			t                               storage.RefreshToken
			expiresAt, createdAt, revokedAt int64
		)
		if err := rows.Scan(&t.TokenHash, &t.AuthorizationID, &expiresAt, &createdAt, &t.Revoked, &revokedAt); err != nil {
			return nil, fmt.Errorf("scanning refresh token: %w", err)
		}
		t.ExpiresAt = fromMillis(expiresAt)
		t.CreatedAt = fromMillis(createdAt)
		t.RevokedAt = fromMillis(revokedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// DeleteExpiredAccessTokens removes access tokens that expired before now
func (s *Store) DeleteExpiredAccessTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired access tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	redirectURIs, err := json.Marshal(nonNil(client.RedirectURIs))
	if err != nil {
		return fmt.Errorf("marshaling redirect URIs: %w", err)
	}
	grantTypes, err := json.Marshal(nonNil(client.GrantTypes))
	if err != nil {
		return fmt.Errorf("marshaling grant types: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (client_id, client_name, client_secret_hash, redirect_uris, token_endpoint_auth_method, grant_types, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		client.ClientID, client.ClientName, client.ClientSecretHash, string(redirectURIs),
		client.TokenEndpointAuthMethod, string(grantTypes), toMillis(client.CreatedAt))
	if err != nil {
		return wrapInsertError("client "+client.ClientID, err)
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var (
		c                        storage.Client
		redirectURIs, grantTypes string
		createdAt                int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, client_name, client_secret_hash, redirect_uris, token_endpoint_auth_method, grant_types, created_at
		 FROM clients WHERE client_id = ?`, clientID,
	).Scan(&c.ClientID, &c.ClientName, &c.ClientSecretHash, &redirectURIs, &c.TokenEndpointAuthMethod, &grantTypes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}

	if err := json.Unmarshal([]byte(redirectURIs), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("unmarshaling redirect URIs: %w", err)
	}
	if err := json.Unmarshal([]byte(grantTypes), &c.GrantTypes); err != nil {
		return nil, fmt.Errorf("unmarshaling grant types: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// ============================================================
// Helpers
// ============================================================

func insertAccessToken(ctx context.Context, tx *sql.Tx, t *storage.AccessToken, authorizationID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO access_tokens (token_hash, authorization_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		t.TokenHash, authorizationID, toMillis(t.ExpiresAt), toMillis(t.CreatedAt))
	if err != nil {
		return wrapInsertError("access token", err)
	}
	return nil
}

func insertRefreshToken(ctx context.Context, tx *sql.Tx, t *storage.RefreshToken, authorizationID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, authorization_id, expires_at, created_at, revoked, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.TokenHash, authorizationID, toMillis(t.ExpiresAt), toMillis(t.CreatedAt), t.Revoked, toMillis(t.RevokedAt))
	if err != nil {
		return wrapInsertError("refresh token", err)
	}
	return nil
}

func wrapInsertError(what string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", what, storage.ErrAlreadyExists)
	}
	return fmt.Errorf("inserting %s: %w", what, err)
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

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

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

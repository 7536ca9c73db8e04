package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/mcp-gateway/storage"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Grant writes touch several keys and must be all-or-nothing, so each one runs
// as a single Lua script. Access and refresh keys carry a PXAT expiry at the
// token's ExpiresAt; tokens that are already expired are never written.

// luaCreateGrant inserts a grant with its first access and refresh token.
//
// KEYS[1] = grant key, KEYS[2] = access key, KEYS[3] = refresh key, KEYS[4] = grant refresh set
// ARGV[1] = grant JSON, ARGV[2] = access JSON, ARGV[3] = access expiry (unix ms),
// ARGV[4] = refresh JSON, ARGV[5] = refresh expiry (unix ms), ARGV[6] = refresh hash,
// ARGV[7] = now (unix ms)
//
// Returns "OK" or "EXISTS" if any of the keys is already present.
const luaCreateGrant = `
if redis.call('EXISTS', KEYS[1], KEYS[2], KEYS[3]) > 0 then
    return 'EXISTS'
end

local now = tonumber(ARGV[7])
redis.call('SET', KEYS[1], ARGV[1])
if tonumber(ARGV[3]) > now then
    redis.call('SET', KEYS[2], ARGV[2], 'PXAT', ARGV[3])
end
if tonumber(ARGV[5]) > now then
    redis.call('SET', KEYS[3], ARGV[4], 'PXAT', ARGV[5])
end
redis.call('SADD', KEYS[4], ARGV[6])

return 'OK'
`

// luaIssueAccessToken stores an access token under an active grant, bumps the
// grant's last_used_at and, when five keys are passed, rotates the refresh token.
//
// KEYS[1] = grant key, KEYS[2] = access key
// KEYS[3] = previous refresh key, KEYS[4] = next refresh key, KEYS[5] = grant refresh set (rotation only)
// ARGV[1] = access JSON, ARGV[2] = access expiry (unix ms), ARGV[3] = at (unix ms), ARGV[4] = now (unix ms)
// ARGV[5] = next refresh JSON, ARGV[6] = next refresh expiry (unix ms), ARGV[7] = next refresh hash (rotation only)
//
// Returns "OK", "GRANT_NOT_FOUND", "GRANT_INACTIVE", "EXISTS", "REFRESH_NOT_FOUND" or "REFRESH_REVOKED".
const luaIssueAccessToken = `
local grantData = redis.call('GET', KEYS[1])
if not grantData then
    return 'GRANT_NOT_FOUND'
end

local grant = cjson.decode(grantData)
if not grant.is_active then
    return 'GRANT_INACTIVE'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'EXISTS'
end

local at = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local prev
if #KEYS == 5 then
    local prevData = redis.call('GET', KEYS[3])
    if not prevData then
        return 'REFRESH_NOT_FOUND'
    end
    prev = cjson.decode(prevData)
    if prev.authorization_id ~= grant.id then
        return 'REFRESH_NOT_FOUND'
    end
    if prev.revoked then
        return 'REFRESH_REVOKED'
    end
    if redis.call('EXISTS', KEYS[4]) == 1 then
        return 'EXISTS'
    end
end

if tonumber(ARGV[2]) > now then
    redis.call('SET', KEYS[2], ARGV[1], 'PXAT', ARGV[2])
end
grant.last_used_at = at
redis.call('SET', KEYS[1], cjson.encode(grant))

if prev then
    prev.revoked = true
    prev.revoked_at = at
    redis.call('SET', KEYS[3], cjson.encode(prev), 'KEEPTTL')
    if tonumber(ARGV[6]) > now then
        redis.call('SET', KEYS[4], ARGV[5], 'PXAT', ARGV[6])
    end
    redis.call('SADD', KEYS[5], ARGV[7])
end

return 'OK'
`

// luaRevokeGrant deactivates a grant and revokes every refresh token it owns.
// Refresh keys are derived from the grant refresh set inside the script so a
// concurrent rotation cannot slip a token past the revocation.
//
// KEYS[1] = grant key, KEYS[2] = grant refresh set
// ARGV[1] = at (unix ms), ARGV[2] = refresh key prefix
//
// Returns the number of refresh tokens revoked, or -1 if the grant does not exist.
const luaRevokeGrant = `
local grantData = redis.call('GET', KEYS[1])
if not grantData then
    return -1
end

local grant = cjson.decode(grantData)
grant.is_active = false
redis.call('SET', KEYS[1], cjson.encode(grant))

local at = tonumber(ARGV[1])
local revoked = 0
for _, hash in ipairs(redis.call('SMEMBERS', KEYS[2])) do
    local key = ARGV[2] .. hash
    local data = redis.call('GET', key)
    if data then
        local rt = cjson.decode(data)
        if not rt.revoked then
            rt.revoked = true
            rt.revoked_at = at
            redis.call('SET', key, cjson.encode(rt), 'KEEPTTL')
            revoked = revoked + 1
        end
    end
end

return revoked
`

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

	a := *access
	r := *refresh
	a.AuthorizationID = grant.ID
	r.AuthorizationID = grant.ID

	grantData, err := marshal(toGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}
	accessData, err := marshal(toAccessTokenJSON(&a))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}
	refreshData, err := marshal(toRefreshTokenJSON(&r))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCreateGrant).
			Numkeys(4).
			Key(s.grantKey(grant.ID), s.accessKey(a.TokenHash), s.refreshKey(r.TokenHash), s.grantRefreshKey(grant.ID)).
			Arg(grantData,
				accessData, millisArg(a.ExpiresAt),
				refreshData, millisArg(r.ExpiresAt), r.TokenHash,
				millisArg(time.Now())).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("grant %s: %w", grant.ID, storage.ErrAlreadyExists)
	}

	s.logger.Debug("Created authorization grant",
		"authorization_id", grant.ID,
		"client_name", grant.ClientName)
	return nil
}

// GetAccessToken looks up an access token and its owning grant
func (s *Store) GetAccessToken(ctx context.Context, tokenHash string) (*storage.AccessToken, *storage.Grant, error) {
	tj, err := getAndUnmarshal[accessTokenJSON](ctx, s, s.accessKey(tokenHash), "access token "+truncateHash(tokenHash))
	if err != nil {
		return nil, nil, err
	}
	gj, err := getAndUnmarshal[grantJSON](ctx, s, s.grantKey(tj.AuthorizationID), "grant "+tj.AuthorizationID)
	if err != nil {
		return nil, nil, err
	}
	return fromAccessTokenJSON(tj), fromGrantJSON(gj), nil
}

// GetRefreshToken looks up a refresh token and its owning grant
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, *storage.Grant, error) {
	tj, err := getAndUnmarshal[refreshTokenJSON](ctx, s, s.refreshKey(tokenHash), "refresh token "+truncateHash(tokenHash))
	if err != nil {
		return nil, nil, err
	}
	gj, err := getAndUnmarshal[grantJSON](ctx, s, s.grantKey(tj.AuthorizationID), "grant "+tj.AuthorizationID)
	if err != nil {
		return nil, nil, err
	}
	return fromRefreshTokenJSON(tj), fromGrantJSON(gj), nil
}

// IssueAccessToken stores a new access token, optionally rotating the refresh token
func (s *Store) IssueAccessToken(ctx context.Context, token *storage.AccessToken, rotation *storage.RefreshRotation, at time.Time) error {
	if token == nil {
		return fmt.Errorf("access token cannot be nil")
	}
	if rotation != nil && rotation.Next == nil {
		return fmt.Errorf("rotation requires a next refresh token")
	}

	accessData, err := marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	keys := []string{s.grantKey(token.AuthorizationID), s.accessKey(token.TokenHash)}
	args := []string{accessData, millisArg(token.ExpiresAt), millisArg(at), millisArg(time.Now())}

	if rotation != nil {
		next := *rotation.Next
		next.AuthorizationID = token.AuthorizationID
		nextData, err := marshal(toRefreshTokenJSON(&next))
		if err != nil {
			return fmt.Errorf("failed to marshal refresh token: %w", err)
		}
		keys = append(keys,
			s.refreshKey(rotation.PreviousHash),
			s.refreshKey(next.TokenHash),
			s.grantRefreshKey(token.AuthorizationID))
		args = append(args, nextData, millisArg(next.ExpiresAt), next.TokenHash)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIssueAccessToken).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to issue access token: %w", err)
	}

	switch result {
	case "OK":
		return nil
	case "GRANT_NOT_FOUND":
		return fmt.Errorf("grant %s: %w", token.AuthorizationID, storage.ErrNotFound)
	case "GRANT_INACTIVE":
		return fmt.Errorf("grant %s: %w", token.AuthorizationID, storage.ErrGrantInactive)
	case "EXISTS":
		return fmt.Errorf("token: %w", storage.ErrAlreadyExists)
	case "REFRESH_NOT_FOUND":
		return fmt.Errorf("refresh token: %w", storage.ErrNotFound)
	case "REFRESH_REVOKED":
		return storage.ErrTokenRevoked
	default:
		return fmt.Errorf("unexpected script result %q", result)
	}
}

// RevokeGrant deactivates a grant and revokes all of its refresh tokens
func (s *Store) RevokeGrant(ctx context.Context, authorizationID string, at time.Time) error {
	revoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeGrant).
			Numkeys(2).
			Key(s.grantKey(authorizationID), s.grantRefreshKey(authorizationID)).
			Arg(millisArg(at), s.refreshKeyPrefix()).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	if revoked < 0 {
		return fmt.Errorf("grant %s: %w", authorizationID, storage.ErrNotFound)
	}

	s.logger.Info("Revoked authorization grant",
		"authorization_id", authorizationID,
		"refresh_tokens_revoked", revoked)
	return nil
}

// ListRefreshTokens returns every live refresh token owned by a grant
func (s *Store) ListRefreshTokens(ctx context.Context, authorizationID string) ([]*storage.RefreshToken, error) {
	hashes, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.grantRefreshKey(authorizationID)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	if len(hashes) == 0 {
		return []*storage.RefreshToken{}, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = s.refreshKey(h)
	}

	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh tokens: %w", err)
	}

	out := make([]*storage.RefreshToken, 0, len(values))
	for _, v := range values {
		data, err := v.ToString()
		if err != nil {
			// Expired between SMEMBERS and MGET
			continue
		}
		var j refreshTokenJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.logger.Warn("Failed to unmarshal refresh token, skipping", "error", err)
			continue
		}
		out = append(out, fromRefreshTokenJSON(&j))
	}
	return out, nil
}

// DeleteExpiredAccessTokens is a no-op: access keys carry a PXAT expiry and
// Valkey removes them itself.
func (s *Store) DeleteExpiredAccessTokens(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func millisArg(t time.Time) string {
	return strconv.FormatInt(toMillis(t), 10)
}

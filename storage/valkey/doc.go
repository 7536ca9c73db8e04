// Package valkey provides a Valkey storage backend for the gateway's grants,
// tokens and registered clients.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Use it when several gateway replicas must share token state, or when grants
// must survive a restart.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}grant:{authorizationID}         -> JSON(Grant)
//	{prefix}access:{tokenHash}              -> JSON(AccessToken), PXAT expiry
//	{prefix}refresh:{tokenHash}             -> JSON(RefreshToken), PXAT expiry
//	{prefix}grant_refresh:{authorizationID} -> SET of refresh token hashes
//	{prefix}client:{clientID}               -> JSON(Client)
//
// # Atomic Operations
//
// CreateGrant, IssueAccessToken and RevokeGrant each run as one Lua script,
// so concurrent refreshes of the same token cannot both rotate it and a
// revocation cannot miss a refresh token issued at the same moment.
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address: "localhost:6379",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package valkey

// Package server implements the gateway's OAuth token service.
//
// Tokens are opaque: 32 random bytes, base64url encoded, handed to the client
// once and stored only as SHA-256 hex digests. Every token belongs to a grant
// (an authorization). Revoking the grant deactivates it and revokes all of its
// refresh tokens in one store transaction, and access-token validity is derived
// from the grant on every lookup.
//
// The Server type covers:
//   - direct issuance (CreateAuthorizationWithTokens)
//   - the authorization code flow with PKCE (CreateAuthorizationCode, ExchangeAuthorizationCode)
//   - validation, refresh and revocation of tokens
//   - dynamic client registration (RFC 7591) with bcrypt-hashed secrets
//
// Authorization codes live in a process-local CodeCache with a ten minute TTL
// and are removed before the grant they produce is created, so a code can be
// exchanged at most once.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, store, &server.Config{Issuer: "https://mcp.example.com"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.Start()
//	defer srv.Stop()
//
//	pair, err := srv.CreateAuthorizationWithTokens(ctx, userID, orgID, "Claude Desktop")
package server

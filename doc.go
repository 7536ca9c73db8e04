// Package gateway serves the HTTP surface of an MCP server protected by OAuth 2.1.
//
// The Handler routes the /mcp endpoint (JSON-RPC over Streamable HTTP, with a
// fallback for legacy HTTP+SSE clients) and the OAuth endpoints that issue the
// bearer tokens it accepts:
//
//	POST    /mcp                                    JSON-RPC request, JSON or single-frame SSE response
//	GET     /mcp                                    server-to-client event stream
//	DELETE  /mcp                                    session termination
//	OPTIONS /mcp                                    CORS preflight
//	POST    /mcp/token                              authorization_code and refresh_token grants
//	POST    /mcp/register                           dynamic client registration (RFC 7591)
//	POST    /mcp/revoke                             token revocation (RFC 7009)
//	GET     /mcp/authorize                          authorization code issuance
//	GET     /.well-known/oauth-protected-resource   RFC 9728 metadata
//	GET     /.well-known/oauth-authorization-server RFC 8414 metadata
//
// Token issuance and validation live in the server package, sessions in the
// session package. Auditing and rate limiting are optional collaborators set
// after construction; the security package provides production implementations.
//
// Basic usage:
//
//	tokens, _ := server.New(store, store, &server.Config{Issuer: baseURL}, logger)
//	sessions := session.NewRegistry(session.Config{}, logger)
//	handler, _ := gateway.NewHandler(&gateway.Config{BaseURL: baseURL}, tokens, sessions, gateway.DefaultTools(nil), logger)
//	handler.SetRateLimiter(security.NewRateLimiter(security.DefaultLimits(), logger))
//	srv := gateway.NewServer(gateway.ServerConfig{Addr: ":8080"}, handler.Routes(), logger)
//	err := srv.ListenAndServe(ctx)
package gateway

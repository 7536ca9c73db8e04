// Package session holds the node-local registry of MCP sessions.
//
// A session is created by the initialize method and bound to the
// authorization grant of the bearer token that created it. Lookups and
// deletions only succeed for callers presenting a token of the same grant, so
// a guessed or leaked session id is useless with any other token.
//
// The registry is an explicitly constructed value: build it at start-up, inject
// it into the HTTP handler, and Stop it at shutdown. Sessions that stay idle
// longer than Config.IdleTTL are removed by a background sweep.
package session

// Package storage defines the persistence contract for authorization grants,
// their access and refresh tokens, and dynamically registered clients.
//
// Only one-way token hashes ever reach a store; raw tokens are returned to the
// caller once at issuance and never persisted.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single-instance deployments
//   - storage/sqlite: SQL storage on modernc.org/sqlite with real transactions
//   - storage/valkey: Valkey/Redis-compatible storage with Lua-scripted atomic writes
//   - storage/mock: function-hook store for failure injection in tests
package storage

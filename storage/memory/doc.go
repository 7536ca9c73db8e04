// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements GrantStore and ClientStore using Go maps behind a
// single sync.RWMutex. Because one write lock covers every map, grant creation,
// token issuance with refresh rotation, and grant revocation are all atomic.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Background removal of expired access tokens
//   - OpenTelemetry spans and storage metrics via SetInstrumentation
//
// For persistence across restarts use storage/sqlite; for multi-instance
// deployments use storage/valkey.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	tokens, _ := server.New(store, store, server.Config{}, logger)
package memory

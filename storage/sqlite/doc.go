// Package sqlite provides a SQLite storage backend built on the pure-Go
// modernc.org/sqlite driver.
//
// Grants, tokens and clients live in four tables. Every multi-row write runs in
// one database/sql transaction, and the pool is limited to a single connection
// so writers are serialized without SQLITE_BUSY retries.
//
// # Usage
//
//	store, err := sqlite.New(sqlite.Config{Path: "/var/lib/mcp-gateway/tokens.db"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package sqlite

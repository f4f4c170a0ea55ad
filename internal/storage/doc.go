// Package storage persists training tasks, contribution history and cached
// authorization tokens.
//
// Drivers:
//   - "memory": volatile maps, used by tests and dry runs
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "mysql": remote database (github.com/go-sql-driver/mysql)
//
// Timestamps are stored as epoch milliseconds; interval specs and constraints
// are opaque JSON columns.
package storage

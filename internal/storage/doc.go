// Package storage provides the persistence layer for lots, sales history,
// suggestions and approved price changes.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "memory": process-local maps, for tests and dry runs
package storage

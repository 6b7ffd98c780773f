// Package storage persists job definitions.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "memory": process-local map, for tests and ephemeral runs
//
// Every mutating call is a single transaction per record. Reconcile re-reads
// the row inside its transaction so concurrent invocations of different jobs
// never overwrite each other's counters.
package storage

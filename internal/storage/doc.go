// Package storage persists subscribers and per-subscriber repository
// snapshots behind watch.Persistence.
//
// Two drivers exist:
//   - "sqlite": a single SQLite file (modernc.org/sqlite, no cgo)
//   - "file": a JSON snapshot plus an append-only journal
//
// Both drivers can write timestamped tar.gz backups.
package storage

package storage

import (
	"errors"
	"time"

	"gitwatch/internal/watch"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": JSON snapshot + journal
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// BackupDir is where Backup writes archives. Empty means "<dir of Path>/backups".
	BackupDir string
}

// Store is a watch.Persistence that owns OS resources.
type Store interface {
	watch.Persistence
	Close() error
}

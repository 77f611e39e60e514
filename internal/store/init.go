package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/gwlsn/codecbench/internal/logger"
)

// InitStore opens the job ledger at dbPath and resets jobs left running by
// an interrupted run. This is the main entry point for store initialization.
func InitStore(dbPath string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	count, err := store.ResetRunningJobs()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("reset running jobs: %w", err)
	}
	if count > 0 {
		logger.Info("Reset interrupted jobs to pending", "count", count)
	}

	return store, nil
}

// OpenReadOnly opens an existing ledger without touching its jobs, for the
// status server running next to a harness.
func OpenReadOnly(dbPath string) (*SQLiteStore, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("job ledger %s: %w", dbPath, err)
	}
	return NewSQLiteStore(dbPath)
}

// CleanupDBFiles removes SQLite database files (main, WAL, and SHM).
func CleanupDBFiles(dbPath string) {
	os.Remove(dbPath)
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")
}

// IsDBPath checks if a path looks like a SQLite database path.
func IsDBPath(path string) bool {
	return strings.HasSuffix(path, ".db")
}

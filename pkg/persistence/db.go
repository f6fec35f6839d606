// Package persistence stores the document corpus and deliberation runs in one
// SQLite database. Commands share a process-wide handle set up by Initialize;
// tests open private databases with Open.
package persistence

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure Go driver with FTS5

	"riskteam/pkg/logx"
)

//nolint:gochecknoglobals // process-wide handle
var (
	shared   *sql.DB
	sharedAt string
	sharedMu sync.RWMutex
	dbLogger = logx.NewLogger("persistence")
)

// sqlite pragmas applied to every connection. WAL lets the HTTP API read runs
// while a job is writing one.
var pragmas = []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"}

func dsn(dbPath string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + dbPath + "?" + q.Encode()
}

// Open opens (creating if needed) the database at dbPath and migrates it to
// the current schema. The caller owns the returned handle.
func Open(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	// One connection: SQLite has a single writer and FTS triggers run inside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dbPath, err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return db, nil
}

// Initialize opens the shared database and marks runs left unfinished by an
// earlier process as interrupted. A second call is a no-op when dbPath is
// the path already open and an error otherwise.
func Initialize(dbPath string) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		if dbPath != sharedAt {
			return fmt.Errorf("database already open at %s", sharedAt)
		}
		return nil
	}

	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	if n, err := MarkStaleRuns(db); err != nil {
		dbLogger.Warn("failed to mark stale runs: %v", err)
	} else if n > 0 {
		dbLogger.Info("marked %d unfinished run(s) as interrupted", n)
	}

	shared, sharedAt = db, dbPath
	dbLogger.Info("📦 database ready: %s", dbPath)
	return nil
}

// GetDB returns the shared handle. It panics before Initialize.
func GetDB() *sql.DB {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	if shared == nil {
		panic("persistence.Initialize must be called before GetDB")
	}
	return shared
}

// IsInitialized reports whether the shared handle is open.
func IsInitialized() bool {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return shared != nil
}

// Close closes the shared handle. Closing twice is harmless.
func Close() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared, sharedAt = nil, ""
	if err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Package db provides the durable local stores of the driver sync core:
// pending actions, cached location samples and settings, all in one SQLite file.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	apperrors "github.com/rxdelivery/driversync/internal/errors"
)

// FileName is the database file created inside the data directory.
const FileName = "driversync.db"

// DB wraps the sql.DB with driver sync configuration.
type DB struct {
	*sql.DB

	// Prepared statements keyed by query text, created on first use.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Open opens (creating if needed) the SQLite database in dataDir and applies
// pending migrations. The database is opened with:
// - WAL mode so a crash mid-write never corrupts committed rows
// - a single connection, which makes every store operation atomic
// - a busy timeout for the platform backup agent touching the file
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the database at an explicit path (":memory:" for tests).
func OpenPath(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	m := NewMigrator(sqlDB, migrationFS, migrationDir)
	if err := m.Initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{DB: sqlDB}, nil
}

// Rollback reverts the latest applied migration and returns the schema
// version left in place.
func (db *DB) Rollback() (int, error) {
	m := NewMigrator(db.DB, migrationFS, migrationDir)
	if err := m.Down(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "roll back schema", err)
	}
	db.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		db.stmtCache.Delete(key)
		return true
	})
	return m.CurrentVersion()
}

// prepare gets or creates a prepared statement from cache.
func (db *DB) prepare(query string) (*sql.Stmt, error) {
	if stmt, ok := db.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := db.DB.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, keep theirs.
	actual, loaded := db.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes cached statements and the database connection.
func (db *DB) Close() error {
	db.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		db.stmtCache.Delete(key)
		return true
	})
	return db.DB.Close()
}

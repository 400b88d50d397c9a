package db

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"

	"github.com/hgmo/hgdeploy/internal/constants"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

//go:embed migrations/*.sql
var migrations embed.FS

type DB struct {
	*sql.DB
}

// New opens the history database inside dataDir.
func New(dataDir string) (*DB, error) {
	return Open(filepath.Join(dataDir, constants.DBFileName))
}

// Open opens a SQLite database at dsn and runs all pending migrations.
// Use ":memory:" for an in-memory database.
func Open(dsn string) (*DB, error) {
	database, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and matches
	// SQLite's single writer model.
	database.SetMaxOpenConns(1)

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := database.Exec("PRAGMA foreign_keys = ON"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := database.Exec("PRAGMA journal_mode = WAL"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(database, "migrations"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{database}, nil
}

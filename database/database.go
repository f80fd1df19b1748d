// Package database owns the SQLite connection and its migration runner.
package database

import (
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure-Go driver, no CGO
)

// DB wraps the pooled connection. *sql.DB is already safe for concurrent
// use by multiple goroutines.
type DB struct {
	Conn *sql.DB
}

// New opens dbPath (creating its parent directory if needed) and applies any
// migration in migrationsFS not already recorded in schema_migrations.
func New(dbPath string, migrationsFS fs.FS, log *zap.SugaredLogger) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{Conn: conn}
	if err := db.runMigrations(migrationsFS, log); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info("database connected and migrations applied")
	return db, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.Conn.Close()
}

// runMigrations applies migrations/*.sql in lexical order, tracking applied
// files in schema_migrations so restarts are idempotent. A database that
// already has an "accounts" table but no schema_migrations rows is treated
// as a pre-existing install and every migration is marked applied without
// running it (bootstrap).
func (db *DB) runMigrations(migrationsFS fs.FS, log *zap.SugaredLogger) error {
	if _, err := db.Conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	applied := make(map[string]bool)
	rows, err := db.Conn.Query("SELECT filename FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan migration row: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate migration rows: %w", err)
	}

	if len(applied) == 0 {
		var tableCount int
		if err := db.Conn.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='accounts'",
		).Scan(&tableCount); err != nil {
			return fmt.Errorf("check existing tables: %w", err)
		}
		if tableCount > 0 {
			for _, file := range sqlFiles {
				if _, err := db.Conn.Exec("INSERT INTO schema_migrations (filename) VALUES (?)", file); err != nil {
					return fmt.Errorf("bootstrap migration %s: %w", file, err)
				}
				applied[file] = true
			}
			log.Infof("bootstrapped %d existing migrations", len(sqlFiles))
			return nil
		}
	}

	for _, file := range sqlFiles {
		if applied[file] {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := db.Conn.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
		if _, err := db.Conn.Exec("INSERT INTO schema_migrations (filename) VALUES (?)", file); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		log.Infof("migration applied: %s", file)
	}

	return nil
}

// Package sqlite provides a SQLite-backed gateway storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/israasaleh/flashcard-gateway/internal/platform/storage/sqlitemigrate"
	"github.com/israasaleh/flashcard-gateway/internal/gateway/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const activeVersionKey = "active_version"

// Store persists gateway cache partitions and the mutation queue in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite gateway store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetActiveVersion returns the deployment version that last completed activation.
func (s *Store) GetActiveVersion(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if s == nil || s.sqlDB == nil {
		return "", false, fmt.Errorf("storage is not configured")
	}

	var value string
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT meta_value FROM gateway_meta WHERE meta_key = ?`, activeVersionKey)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get active version: %w", err)
	}
	return value, true, nil
}

// SetActiveVersion records the deployment version that completed activation.
func (s *Store) SetActiveVersion(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("version is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO gateway_meta (meta_key, meta_value) VALUES (?, ?)
		 ON CONFLICT(meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
		activeVersionKey, version)
	if err != nil {
		return fmt.Errorf("set active version: %w", err)
	}
	return nil
}

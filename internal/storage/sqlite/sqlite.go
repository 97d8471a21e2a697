// Package sqlite implements storage.Store using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSONB columns use TEXT affinity (SQLite stores JSON as text natively)
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/fngate/internal/storage"
	pgstore "github.com/jkaninda/fngate/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite. The repositories are
// the PostgreSQL ones; GORM's SQLite dialect handles the SQL differences.
type Store struct {
	*pgstore.Repositories
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.GormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		Repositories: pgstore.NewRepositories(db),
		db:           db,
		logger:       slogger,
		path:         cfg.Path,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate with the same models as PostgreSQL.
func (s *Store) Migrate(ctx context.Context) error {
	if err := pgstore.Migrate(ctx, s.db); err != nil {
		return fmt.Errorf("migrating sqlite: %w", err)
	}
	return nil
}

// Ping checks that the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

var _ storage.Store = (*Store)(nil)

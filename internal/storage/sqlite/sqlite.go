// Package sqlite is the default tool-record store: a single file under the
// e14z home, opened through the pure-Go glebarez/sqlite driver so the
// binary needs no CGO. Models and the repository come from the postgres
// package; list fields are JSON text in both.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/aemholland/e14z/internal/storage"
	pgstore "github.com/aemholland/e14z/internal/storage/postgres"
)

// Config locates the database file. JournalMode defaults to "wal" so
// concurrent engines can read while one writes.
type Config struct {
	Path        string
	JournalMode string
}

// Store implements storage.Store on one SQLite file.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	once  sync.Once
	tools storage.ToolStore
}

// Open creates the parent directory and opens the file. Call Migrate
// before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	mode := cfg.JournalMode
	if mode == "" {
		mode = "wal"
	}

	pragmas := url.Values{}
	pragmas.Add("_pragma", "journal_mode("+mode+")")
	pragmas.Add("_pragma", "busy_timeout(5000)")
	pragmas.Add("_pragma", "foreign_keys(ON)")
	db, err := gorm.Open(sqlite.Open(cfg.Path+"?"+pragmas.Encode()), pgstore.GormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Path, err)
	}

	slogger.Info("tool store ready",
		slog.String("driver", storage.DriverSQLite),
		slog.String("path", cfg.Path),
		slog.String("journal_mode", mode),
	)
	return &Store{db: db, logger: slogger}, nil
}

// Migrate creates or updates the tool tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...)
}

func (s *Store) Tools() storage.ToolStore {
	s.once.Do(func() { s.tools = pgstore.NewToolRepository(s.db) })
	return s.tools
}

func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.db.DB()
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

func (s *Store) Close() error {
	conn, err := s.db.DB()
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

var _ storage.Store = (*Store)(nil)

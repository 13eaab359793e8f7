package postgres

import (
	"context"
	"sync"

	"github.com/aemholland/e14z/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB *DB

	mu    sync.Mutex
	tools storage.ToolStore
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Tools() storage.ToolStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tools == nil {
		s.tools = NewToolRepository(s.pgDB.GormDB())
	}
	return s.tools
}

func (s *Store) Migrate(_ context.Context) error {
	// Migration already ran in Open.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

var _ storage.Store = (*Store)(nil)

// Package postgres stores tool records in PostgreSQL through GORM. The
// SQLite store reuses its models, repository and GORM logger, so GORM stays
// inside the storage packages.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config describes the connection. Zero pool fields take the defaults
// applied by withDefaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// A registry store sees short lookups from a handful of engines, so the
// pool stays small.
func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	return c
}

// DB is an open, migrated connection pool.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open validates the DSN, connects, sizes the pool and migrates the tool
// tables.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	// Host and database are logged; the DSN itself never is.
	target, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	cfg = cfg.withDefaults()

	gcfg := GormConfig(slogger)
	gcfg.PrepareStmt = true
	db, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres at %s: %w", target.Host, err)
	}
	pool, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	pool.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.AutoMigrate(Models()...); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("migrating tool tables: %w", err)
	}

	slogger.Info("tool store ready",
		slog.String("driver", "postgres"),
		slog.String("host", target.Host),
		slog.String("database", target.Database),
		slog.Int("pool", cfg.MaxOpenConns),
	)
	return &DB{gormDB: db, logger: slogger}, nil
}

// GormDB is handed to NewToolRepository.
func (d *DB) GormDB() *gorm.DB { return d.gormDB }

func (d *DB) pool() (*sql.DB, error) { return d.gormDB.DB() }

// Ping backs the store readiness check.
func (d *DB) Ping(ctx context.Context) error {
	pool, err := d.pool()
	if err != nil {
		return err
	}
	return pool.PingContext(ctx)
}

func (d *DB) Close() error {
	pool, err := d.pool()
	if err != nil {
		return err
	}
	return pool.Close()
}

// GormConfig is the GORM setup shared by both drivers: UTC timestamps and
// slow or failed queries reported through slog.
func GormConfig(slogger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(gormWriter{slogger}, logger.Config{
			SlowThreshold:             250 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

type gormWriter struct {
	logger *slog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.logger.Warn("tool store query", slog.String("detail", fmt.Sprintf(format, args...)))
}

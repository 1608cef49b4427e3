// Package postgres implements the cursor.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/alfredjeanlab/wakurelay/internal/cursor"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options configures the connection pool.
type Options struct {
	URL            string
	MaxOpenConns   int
	MinIdleConns   int
	ConnectTimeout time.Duration
	// QueryTimeout bounds every statement, including the wait for a pooled
	// connection. Zero disables the bound.
	QueryTimeout time.Duration
}

// Store implements cursor.Store backed by a PostgreSQL database.
type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Compile-time check that Store implements cursor.Store.
var _ cursor.Store = (*Store)(nil)

// New opens a connection to the PostgreSQL database at opts.URL, configures
// the connection pool, and runs any pending migrations.
func New(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(max(opts.MinIdleConns, 1))
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newStore(db, opts.QueryTimeout), nil
}

func newStore(db *sql.DB, queryTimeout time.Duration) *Store {
	return &Store{db: db, queryTimeout: queryTimeout}
}

// Migrate creates the database named in databaseURL if it does not exist
// and applies all pending migrations to it.
func Migrate(ctx context.Context, databaseURL string) error {
	if err := CreateDatabase(ctx, databaseURL); err != nil {
		return err
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return runMigrations(db)
}

// CreateDatabase connects to the server's maintenance database and creates
// the database named in databaseURL when missing. Existing databases are
// left untouched.
func CreateDatabase(ctx context.Context, databaseURL string) error {
	adminURL, name, err := splitDatabaseURL(databaseURL)
	if err != nil {
		return err
	}
	db, err := sql.Open("postgres", adminURL)
	if err != nil {
		return fmt.Errorf("open maintenance database: %w", err)
	}
	defer db.Close()
	return queryCreateDatabase(ctx, db, name)
}

func queryCreateDatabase(ctx context.Context, db executor, name string) error {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check database %q: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := db.ExecContext(ctx, `CREATE DATABASE `+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("create database %q: %w", name, err)
	}
	return nil
}

// splitDatabaseURL returns the URL of the "postgres" maintenance database on
// the same server and the target database name.
func splitDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", relayerr.New(relayerr.ErrConfig, "parse database url", err)
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		return "", "", relayerr.Errorf(relayerr.ErrConfig, "database url %q has no database name", u.Redacted())
	}
	u.Path = "/postgres"
	return u.String(), name, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *Store) Watermark(ctx context.Context, direction string, def uint64) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	w, err := queryWatermark(ctx, s.db, direction, def)
	if err != nil {
		return 0, relayerr.New(relayerr.ErrPersistence, "get watermark "+direction, err)
	}
	return w, nil
}

func (s *Store) AdvanceWatermark(ctx context.Context, direction string, candidate uint64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := queryAdvanceWatermark(ctx, s.db, direction, candidate); err != nil {
		return relayerr.New(relayerr.ErrPersistence, "advance watermark "+direction, err)
	}
	return nil
}

func (s *Store) HasSeen(ctx context.Context, scope, id string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	seen, err := queryHasSeen(ctx, s.db, scope, id)
	if err != nil {
		return false, relayerr.New(relayerr.ErrPersistence, "has seen", err)
	}
	return seen, nil
}

func (s *Store) RecordSeen(ctx context.Context, scope, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := queryRecordSeen(ctx, s.db, scope, id); err != nil {
		return relayerr.New(relayerr.ErrPersistence, "record seen", err)
	}
	return nil
}

func (s *Store) Watermarks(ctx context.Context) ([]cursor.WatermarkRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	recs, err := queryWatermarks(ctx, s.db)
	if err != nil {
		return nil, relayerr.New(relayerr.ErrPersistence, "list watermarks", err)
	}
	return recs, nil
}

func (s *Store) CountSeen(ctx context.Context, scope string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := queryCountSeen(ctx, s.db, scope)
	if err != nil {
		return 0, relayerr.New(relayerr.ErrPersistence, "count seen", err)
	}
	return n, nil
}

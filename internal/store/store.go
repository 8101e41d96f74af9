// Package store persists measurements in a relational database.
//
// The logical schema is backend-agnostic: device, algorithm, measurement
// and data tables plus a partition registry, behind a small closed set
// of dialects (embedded DuckDB, PostgreSQL). The data table grows to
// hundreds of millions of rows, so the store carries the machinery that
// keeps that workable at scale: per-device partitions, bulk-load index
// handling, and chunked multi-row inserts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/logging"
)

// Config holds store configuration options.
type Config struct {
	// Driver selects the dialect: "duckdb" or "postgres".
	Driver string

	// DSN is the database connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:          "duckdb",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store provides database operations over one shared connection handle,
// held for the duration of a command invocation.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger

	mu       sync.Mutex
	algCache *idCache
	devCache *idCache
}

// idCache maps unique names to their row ids. Ids resolved inside a
// transaction are staged against that transaction and become visible
// only once it commits; a rollback drops them together with the rows
// they point at. Callers hold Store.mu.
type idCache struct {
	ids    map[string]int64
	staged map[*sql.Tx]map[string]int64
}

func newIDCache() *idCache {
	return &idCache{
		ids:    make(map[string]int64),
		staged: make(map[*sql.Tx]map[string]int64),
	}
}

func (c *idCache) get(q querier, key string) (int64, bool) {
	if id, ok := c.ids[key]; ok {
		return id, true
	}
	if tx, ok := q.(*sql.Tx); ok {
		id, ok := c.staged[tx][key]
		return id, ok
	}
	return 0, false
}

func (c *idCache) put(q querier, key string, id int64) {
	tx, ok := q.(*sql.Tx)
	if !ok {
		c.ids[key] = id
		return
	}
	m := c.staged[tx]
	if m == nil {
		m = make(map[string]int64)
		c.staged[tx] = m
	}
	m[key] = id
}

func (c *idCache) commit(tx *sql.Tx) {
	for key, id := range c.staged[tx] {
		c.ids[key] = id
	}
	delete(c.staged, tx)
}

func (c *idCache) discard(tx *sql.Tx) {
	delete(c.staged, tx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens a store. A store that cannot be reached is fatal for the
// whole invocation; nothing works without it.
func New(cfg Config) (*Store, error) {
	dialect, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrStoreUnavailable, "open %s", cfg.Driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %v: %w", err, errors.ErrStoreUnavailable)
	}

	return &Store{
		db:       db,
		dialect:  dialect,
		log:      logging.Component("store"),
		algCache: newIDCache(),
		devCache: newIDCache(),
	}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
// Use with caution - prefer using Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the active dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Init creates the schema. It is idempotent.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Transaction executes a function within a database transaction.
func (s *Store) Transaction(fn func(*sql.Tx) error) error {
	return s.TransactionContext(context.Background(), fn)
}

// TransactionContext executes a function within a database transaction.
//
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is committed. Every exit
// path resolves the transaction; it is never left open.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			s.resolveStaged(tx, false)
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		s.resolveStaged(tx, false)
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		s.resolveStaged(tx, false)
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.resolveStaged(tx, true)
	return nil
}

// resolveStaged settles the ids a transaction resolved: promoted into
// the shared caches on commit, dropped otherwise.
func (s *Store) resolveStaged(tx *sql.Tx, committed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if committed {
		s.algCache.commit(tx)
		s.devCache.commit(tx)
		return
	}
	s.algCache.discard(tx)
	s.devCache.discard(tx)
}

// rebind adapts generic '?' placeholders to the dialect.
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

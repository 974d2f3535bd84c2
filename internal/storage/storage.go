// Package storage is the persistence core: the job store, the polling
// distributed queue, the hash/set/list/counter primitives with per-key
// expiration, the server registry and the lease lock — all mapped onto
// relational tables in a configurable Postgres schema.
//
// Conventions shared by every method: absent values are (nil, nil), never
// errors; boundary validation fails with ErrInvalidArgument before any
// store access; multi-statement writes run inside one transaction via
// InTransaction; each operation acquires its connection from the pool for
// the duration of its unit of work and releases it on every exit path.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Defaults applied by New when the corresponding Options field is zero.
const (
	DefaultSchema              = "emberq"
	DefaultPollInterval        = 2 * time.Second
	DefaultInvisibilityTimeout = 30 * time.Minute
)

// Options configures a Store.
type Options struct {
	// Schema is the Postgres schema every table reference is prefixed with.
	Schema string

	// PollInterval is the base sleep between Dequeue scans. The actual sleep
	// is jittered ±25% to spread out polling across worker processes.
	PollInterval time.Duration

	// InvisibilityTimeout is how long a claimed queue row stays invisible
	// before other workers may steal it. Claims are soft leases: a worker
	// that stalls past this window loses the row silently.
	InvisibilityTimeout time.Duration

	// Clock returns the current instant; defaults to time.Now. Injected so
	// tests can control expiration arithmetic.
	Clock func() time.Time
}

// Store is the central data access object. It is safe for concurrent use;
// the pool hands each operation its own connection.
type Store struct {
	pool         *pgxpool.Pool
	db           *sql.DB
	schema       string
	pollInterval time.Duration
	invisibility time.Duration
	now          func() time.Time
}

// New creates a Store backed by pool. The same pool serves both database/sql
// statements (via the stdlib adapter) and native pgx operations such as the
// SKIP LOCKED queue claim.
func New(pool *pgxpool.Pool, opts Options) *Store {
	if opts.Schema == "" {
		opts.Schema = DefaultSchema
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.InvisibilityTimeout <= 0 {
		opts.InvisibilityTimeout = DefaultInvisibilityTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		pool:         pool,
		db:           stdlib.OpenDBFromPool(pool),
		schema:       opts.Schema,
		pollInterval: opts.PollInterval,
		invisibility: opts.InvisibilityTimeout,
		now:          opts.Clock,
	}
}

// Pool returns the underlying pgxpool for callers that need pgx native
// operations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Schema returns the Postgres schema the store operates in.
func (s *Store) Schema() string { return s.schema }

// PollInterval returns the configured base Dequeue poll interval.
func (s *Store) PollInterval() time.Duration { return s.pollInterval }

// InvisibilityTimeout returns the configured claim invisibility window.
func (s *Store) InvisibilityTimeout() time.Duration { return s.invisibility }

// InTransaction runs fn inside a database/sql transaction. The transaction
// is committed if fn returns nil, rolled back otherwise — a concurrent
// reader observes either all of fn's writes or none of them.
func (s *Store) InTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// table returns the schema-qualified name for one of the engine's tables.
func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// builder returns a squirrel statement builder with Postgres placeholders.
func (s *Store) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

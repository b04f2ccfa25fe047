// Package store provides the data access layer for the job queue, the media
// blob store and ingested stories. Hot-path operations (claim, completion,
// large-object streaming) use *pgxpool.Pool directly for pgx native
// transactions; dynamic listing queries are built with squirrel and scanned
// with sqlx over the same pool via the stdlib adapter.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/maefbyyas/maef-backend/internal/queue"
)

var (
	// ErrNotFound is returned by mutating operations whose target row does
	// not exist. Read helpers return (nil, nil) instead.
	ErrNotFound = errors.New("not found")

	// ErrClaimLost is returned when a worker reports on a claim it no longer
	// holds, typically because the reaper requeued the job in the meantime.
	ErrClaimLost = errors.New("job claim lost")

	// ErrActiveDuplicate is returned when reviving a dead job whose
	// idempotency key has since been taken by another live job.
	ErrActiveDuplicate = errors.New("another live job holds this idempotency key")

	// ErrNotDead is returned when a retry is requested for a job that is
	// not in the dead state.
	ErrNotDead = errors.New("job is not dead")
)

// Store is the central data access object.
type Store struct {
	pool   *pgxpool.Pool
	db     *sqlx.DB
	policy queue.Policy
	blob   BlobLimits
}

// Option customises a Store.
type Option func(*Store)

// WithRetryPolicy overrides the retry policy applied on completion.
func WithRetryPolicy(p queue.Policy) Option {
	return func(s *Store) { s.policy = p }
}

// WithBlobLimits overrides the inline threshold and size limits used by the
// blob store.
func WithBlobLimits(l BlobLimits) Option {
	return func(s *Store) { s.blob = l }
}

// New creates a Store backed by pool. The same pool serves pgx native
// transactions and, through the stdlib adapter, sqlx queries.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		db:     sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"),
		policy: queue.DefaultPolicy(),
		blob:   DefaultBlobLimits(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying pgxpool for callers that need a dedicated
// connection (the notification listener).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Policy returns the retry policy in effect.
func (s *Store) Policy() queue.Policy { return s.policy }

// Limits returns the blob size limits in effect.
func (s *Store) Limits() BlobLimits { return s.blob }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// withTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isUniqueViolation returns true if err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation returns true for SQLSTATE 23503.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// noRows reports whether err means the query matched nothing, for both the
// pgx and database/sql paths.
func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

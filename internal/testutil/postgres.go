// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/maefbyyas/maef-backend/internal/store"
	"github.com/maefbyyas/maef-backend/migrations"
)

// TestDB wraps a Store with the connection string of its container, so
// tests can open extra pools or build stores with different options.
type TestDB struct {
	*store.Store
	ConnString string
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by the test DB. opts are passed to store.New. The container
// and pool are cleaned up via t.Cleanup. Skipped under -short.
func NewTestDB(t *testing.T, opts ...store.Option) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:18-alpine",
		tcpostgres.WithDatabase("maef_test"),
		tcpostgres.WithUsername("maef_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	if err := Migrate(ctx, connStr); err != nil {
		t.Fatalf("%v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Store: store.New(pool, opts...), ConnString: connStr}
}

// NewStore returns another Store over a fresh pool on the same database,
// e.g. to simulate a second worker process or different blob limits.
func (db *TestDB) NewStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), db.ConnString)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)
	return store.New(pool, opts...)
}

// Migrate applies the embedded migrations to the database at connStr, the
// same way the migrate subcommand does.
func Migrate(ctx context.Context, connStr string) error {
	if _, err := migrations.Up(ctx, connStr); err != nil {
		return fmt.Errorf("migrate test db: %w", err)
	}
	return nil
}

// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dog-best/meta-sub000/migrations"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PGTest opens a test database connection, applies the embedded goose
// migrations, and returns the *sql.DB plus a cleanup
// function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it a throwaway
// postgres container is started once per test binary; under -short, or
// when no container runtime is available, the test is skipped.
// The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		if testing.Short() {
			t.Skip("POSTGRES_URL not set and -short given, skipping integration test")
		}
		dbURL = startContainer(t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()

	goose.SetLogger(goose.NopLogger())
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}

	return db, cleanup
}

// startContainer boots a postgres container shared by every test in the
// binary. It is never terminated explicitly; the testcontainers reaper
// removes it when the process exits.
func startContainer(t *testing.T) string {
	t.Helper()

	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		var c *postgres.PostgresContainer
		c, containerErr = postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("settlement_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			postgres.BasicWaitStrategies(),
		)
		if containerErr != nil {
			if c != nil {
				_ = testcontainers.TerminateContainer(c)
			}
			return
		}
		containerURL, containerErr = c.ConnectionString(ctx, "sslmode=disable")
	})

	if containerErr != nil {
		t.Skipf("POSTGRES_URL not set and no container runtime: %v", containerErr)
	}
	return containerURL
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests. The goose version table is kept so migrations are not
// replayed.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
}

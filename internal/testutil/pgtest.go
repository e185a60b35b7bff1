// Package testutil provides shared infrastructure for the Postgres
// integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	_ "github.com/lib/pq"
)

// PGTest connects to the database named by POSTGRES_URL, applies every
// migration, and returns the connection plus a cleanup function that
// truncates all application tables:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// Tests are skipped when POSTGRES_URL is unset, so the suite stays runnable
// without a database.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
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
	if err := applyMigrations(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

// findMigrationsDir walks up from the test's working directory until it
// finds the repository's migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("pgtest: no migrations/ directory found walking up from cwd")
		}
		dir = parent
	}
}

// applyMigrations executes the Up section of every .sql file in name order.
// The schema uses IF NOT EXISTS throughout, so re-applying on an already
// migrated database is harmless.
func applyMigrations(ctx context.Context, db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304 -- path built from the discovered migrations dir
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		// Everything after the goose Down marker is rollback DDL.
		stmts := string(data)
		if i := strings.Index(stmts, "-- +goose Down"); i >= 0 {
			stmts = stmts[:i]
		}
		if _, err := db.ExecContext(ctx, stmts); err != nil {
			return fmt.Errorf("execute %s: %w", name, err)
		}
	}
	return nil
}

// truncateAll empties every table in the public schema so each test starts
// from a clean slate. Best effort: teardown failures are not fatal.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
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
	if len(tables) == 0 {
		return
	}

	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names come from pg_tables
	_, _ = db.ExecContext(ctx, stmt)
}

package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kjannette/cryptoprice-etl/internal/db"
)

// SetupPool creates a pgxpool.Pool for integration tests against
// TEST_DATABASE_URL. The test is skipped when it is unset.
func SetupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	_ = godotenv.Load("../../.env")

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres integration test")
	}

	pool, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// OpenSQLite opens a fresh sqlite database in the test's temp dir.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()

	d, err := db.OpenSQL(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "prices.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return p, nil
}

// OpenSQL opens a database/sql handle for the postgres (lib/pq) or sqlite
// driver and verifies it with a ping.
func OpenSQL(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	d, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// one writer at a time; avoids SQLITE_BUSY between pooled conns
		d.SetMaxOpenConns(1)
	} else {
		d.SetMaxOpenConns(10)
		d.SetConnMaxIdleTime(30 * time.Second)
		d.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return d, nil
}

// ServerTime runs SELECT NOW() as a connectivity check.
func ServerTime(ctx context.Context, p *pgxpool.Pool) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var now time.Time
	if err := p.QueryRow(ctx, "SELECT NOW()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("test query: %w", err)
	}
	return now, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kjannette/cryptoprice-etl/internal/models"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS crypto_prices (
    id              VARCHAR(50)  NOT NULL,
    symbol          VARCHAR(20)  NOT NULL,
    name            VARCHAR(50)  NOT NULL,
    price_usd       FLOAT        NOT NULL,
    market_cap_usd  BIGINT,
    timestamp       TIMESTAMP    NOT NULL,
    PRIMARY KEY (id, timestamp)
)`

// SQLPriceRepo is the crypto_prices table on a database/sql handle, for the
// lib/pq and sqlite drivers.
type SQLPriceRepo struct {
	db      *sql.DB
	dialect Dialect
	policy  ConflictPolicy
}

func NewSQLPriceRepo(db *sql.DB, dialect Dialect, policy ConflictPolicy) (*SQLPriceRepo, error) {
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if policy == "" {
		policy = ConflictSkip
	}
	return &SQLPriceRepo{db: db, dialect: dialect, policy: policy}, nil
}

func (r *SQLPriceRepo) EnsureSchema(ctx context.Context) error {
	ddl := postgresSchema
	if r.dialect == DialectSQLite {
		ddl = sqliteSchema
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return &LoadError{Op: "create", Err: err}
	}
	return nil
}

// Load writes the batch in one transaction and returns how many keys were
// new. With ConflictOverwrite an existing key is updated in place and not
// counted.
func (r *SQLPriceRepo) Load(ctx context.Context, points []models.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &LoadError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, r.rebind(
		`INSERT INTO crypto_prices (id, symbol, name, price_usd, market_cap_usd, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id, timestamp) DO NOTHING`))
	if err != nil {
		return 0, &LoadError{Op: "prepare", Err: err}
	}
	defer insert.Close()

	var update *sql.Stmt
	if r.policy == ConflictOverwrite {
		update, err = tx.PrepareContext(ctx, r.rebind(
			`UPDATE crypto_prices SET symbol = ?, name = ?, price_usd = ?, market_cap_usd = ?
			 WHERE id = ? AND timestamp = ?`))
		if err != nil {
			return 0, &LoadError{Op: "prepare", Err: err}
		}
		defer update.Close()
	}

	inserted := 0
	for _, p := range points {
		ts := p.Timestamp.UTC()
		res, err := insert.ExecContext(ctx, p.ID, p.Symbol, p.Name, p.PriceUSD, p.MarketCapUSD, ts)
		if err != nil {
			return 0, &LoadError{Op: "insert", Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, &LoadError{Op: "insert", Err: err}
		}
		inserted += int(n)

		if n == 0 && update != nil {
			if _, err := update.ExecContext(ctx, p.Symbol, p.Name, p.PriceUSD, p.MarketCapUSD, p.ID, ts); err != nil {
				return 0, &LoadError{Op: "update", Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &LoadError{Op: "commit", Err: err}
	}
	return inserted, nil
}

func (r *SQLPriceRepo) Latest(ctx context.Context, assetID string) (*models.PricePoint, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT `+selectColumns+` FROM crypto_prices WHERE id = ? ORDER BY timestamp DESC LIMIT 1`),
		assetID,
	)
	p, err := scanPrice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (r *SQLPriceRepo) Range(ctx context.Context, assetID string, from, to time.Time, limit int) ([]models.PricePoint, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(
		`SELECT `+selectColumns+` FROM crypto_prices
		 WHERE id = ? AND timestamp >= ? AND timestamp <= ?
		 ORDER BY timestamp ASC LIMIT ?`),
		assetID, from.UTC(), to.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrices(rows)
}

func (r *SQLPriceRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crypto_prices`).Scan(&n)
	return n, err
}

func (r *SQLPriceRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres.
func (r *SQLPriceRepo) rebind(q string) string {
	if r.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

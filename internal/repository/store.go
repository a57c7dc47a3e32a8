package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kjannette/cryptoprice-etl/internal/models"
)

const TableName = "crypto_prices"

// ConflictPolicy decides what Load does with a point whose (id, timestamp)
// key is already stored.
type ConflictPolicy string

const (
	// ConflictSkip leaves the stored row untouched: first write wins.
	ConflictSkip ConflictPolicy = "skip"
	// ConflictOverwrite rewrites the non-key columns with the incoming values.
	ConflictOverwrite ConflictPolicy = "overwrite"
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", ConflictSkip:
		return ConflictSkip, nil
	case ConflictOverwrite:
		return ConflictOverwrite, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q (want skip or overwrite)", s)
	}
}

// LoadError is a storage failure: connection, schema or statement. Duplicate
// keys never produce one.
type LoadError struct {
	Op  string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, TableName, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// PriceStore is the crypto_prices table: the idempotent write side used by
// the pipeline and the read side used by the API.
type PriceStore interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, points []models.PricePoint) (int, error)
	Latest(ctx context.Context, assetID string) (*models.PricePoint, error)
	Range(ctx context.Context, assetID string, from, to time.Time, limit int) ([]models.PricePoint, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS crypto_prices (
    id              VARCHAR(50)  NOT NULL,
    symbol          VARCHAR(20)  NOT NULL,
    name            VARCHAR(50)  NOT NULL,
    price_usd       FLOAT        NOT NULL,
    market_cap_usd  BIGINT,
    timestamp       TIMESTAMP WITH TIME ZONE NOT NULL,
    PRIMARY KEY (id, timestamp)
)`

const selectColumns = `id, symbol, name, price_usd, market_cap_usd, timestamp`

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanPrice(row scannable) (*models.PricePoint, error) {
	var p models.PricePoint
	if err := row.Scan(&p.ID, &p.Symbol, &p.Name, &p.PriceUSD, &p.MarketCapUSD, &p.Timestamp); err != nil {
		return nil, err
	}
	p.Timestamp = p.Timestamp.UTC()
	return &p, nil
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectPrices(rows rowsIter) ([]models.PricePoint, error) {
	out := []models.PricePoint{}
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

var (
	_ PriceStore = (*PriceRepo)(nil)
	_ PriceStore = (*SQLPriceRepo)(nil)
)

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjannette/cryptoprice-etl/internal/models"
)

// PriceRepo is the crypto_prices table on a pgx pool.
type PriceRepo struct {
	pool   *pgxpool.Pool
	policy ConflictPolicy
}

func NewPriceRepo(pool *pgxpool.Pool, policy ConflictPolicy) *PriceRepo {
	if policy == "" {
		policy = ConflictSkip
	}
	return &PriceRepo{pool: pool, policy: policy}
}

func (r *PriceRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return &LoadError{Op: "create", Err: err}
	}
	return nil
}

const (
	pgInsertSkip = `INSERT INTO crypto_prices (id, symbol, name, price_usd, market_cap_usd, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id, timestamp) DO NOTHING`

	// xmax is zero only for a freshly inserted tuple, which separates
	// inserts from conflict updates.
	pgInsertOverwrite = `INSERT INTO crypto_prices (id, symbol, name, price_usd, market_cap_usd, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id, timestamp) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			price_usd = EXCLUDED.price_usd,
			market_cap_usd = EXCLUDED.market_cap_usd
		RETURNING (xmax = 0)`
)

// Load writes the batch in one transaction and returns how many keys were
// new. Either the whole batch is applied or none of it.
func (r *PriceRepo) Load(ctx context.Context, points []models.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, &LoadError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	stmt := pgInsertSkip
	if r.policy == ConflictOverwrite {
		stmt = pgInsertOverwrite
	}
	for _, p := range points {
		batch.Queue(stmt, p.ID, p.Symbol, p.Name, p.PriceUSD, p.MarketCapUSD, p.Timestamp.UTC())
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range points {
		if r.policy == ConflictOverwrite {
			var fresh bool
			if err := br.QueryRow().Scan(&fresh); err != nil {
				br.Close()
				return 0, &LoadError{Op: "insert", Err: err}
			}
			if fresh {
				inserted++
			}
			continue
		}
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, &LoadError{Op: "insert", Err: err}
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, &LoadError{Op: "insert", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &LoadError{Op: "commit", Err: err}
	}
	return inserted, nil
}

func (r *PriceRepo) Latest(ctx context.Context, assetID string) (*models.PricePoint, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM crypto_prices WHERE id = $1 ORDER BY timestamp DESC LIMIT 1`,
		assetID,
	)
	p, err := scanPrice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (r *PriceRepo) Range(ctx context.Context, assetID string, from, to time.Time, limit int) ([]models.PricePoint, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM crypto_prices
		 WHERE id = $1 AND timestamp >= $2 AND timestamp <= $3
		 ORDER BY timestamp ASC LIMIT $4`,
		assetID, from.UTC(), to.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrices(rows)
}

func (r *PriceRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crypto_prices`).Scan(&n)
	return n, err
}

func (r *PriceRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

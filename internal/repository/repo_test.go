package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/kjannette/cryptoprice-etl/internal/models"
	"github.com/kjannette/cryptoprice-etl/internal/repository"
	"github.com/kjannette/cryptoprice-etl/internal/testutil"
)

// ---------- PriceRepo (postgres integration) ----------

// pgAsset gives each run its own asset id so reruns against a shared
// database start from a clean key space.
func pgAsset() string {
	return "itest-" + time.Now().UTC().Format("150405.000000")
}

func TestPriceRepo(t *testing.T) {
	pool := testutil.SetupPool(t)
	repo := repository.NewPriceRepo(pool, repository.ConflictSkip)
	ctx := context.Background()

	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema (again): %v", err)
	}

	id := pgAsset()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM crypto_prices WHERE id = $1`, id)
	})

	mcap := int64(900)
	ts := time.Now().UTC().Truncate(time.Second)
	batch := []models.PricePoint{
		{ID: id, Symbol: "itst", Name: "Integration", PriceUSD: 50, MarketCapUSD: &mcap, Timestamp: ts},
		{ID: id, Symbol: "itst", Name: "Integration", PriceUSD: 51, Timestamp: ts.Add(time.Minute)},
	}

	inserted, err := repo.Load(ctx, batch)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 inserted, got %d", inserted)
	}

	inserted, err = repo.Load(ctx, batch)
	if err != nil {
		t.Fatalf("Load (again): %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected 0 inserted on reload, got %d", inserted)
	}

	latest, err := repo.Latest(ctx, id)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.PriceUSD != 51 || latest.MarketCapUSD != nil {
		t.Fatalf("unexpected latest: %+v", latest)
	}

	rows, err := repo.Range(ctx, id, ts, ts.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	t.Logf("Range(%s): %d rows, first=%.2f", id, len(rows), rows[0].PriceUSD)
}

func TestPriceRepo_Overwrite(t *testing.T) {
	pool := testutil.SetupPool(t)
	repo := repository.NewPriceRepo(pool, repository.ConflictOverwrite)
	ctx := context.Background()

	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	id := pgAsset()
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM crypto_prices WHERE id = $1`, id)
	})

	ts := time.Now().UTC().Truncate(time.Second)
	p := models.PricePoint{ID: id, Symbol: "itst", Name: "Integration", PriceUSD: 50, Timestamp: ts}

	if n, err := repo.Load(ctx, []models.PricePoint{p}); err != nil || n != 1 {
		t.Fatalf("Load: n=%d err=%v", n, err)
	}

	p.PriceUSD = 60
	if n, err := repo.Load(ctx, []models.PricePoint{p}); err != nil || n != 0 {
		t.Fatalf("Load (overwrite): n=%d err=%v", n, err)
	}

	latest, err := repo.Latest(ctx, id)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.PriceUSD != 60 {
		t.Fatalf("expected overwritten price 60, got %+v", latest)
	}
}

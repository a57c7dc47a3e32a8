package pipeline

import (
	"sort"
	"time"

	"github.com/kjannette/cryptoprice-etl/internal/models"
)

// Normalize turns one asset's raw series into canonical rows. Timestamps are
// kept at the millisecond precision delivered upstream. When raw repeats a
// timestamp the last occurrence wins. The result is ordered by timestamp.
func Normalize(assetID string, meta models.AssetMeta, raw []models.RawSeriesPoint) []models.PricePoint {
	if len(raw) == 0 {
		return nil
	}

	byTS := make(map[int64]int, len(raw))
	out := make([]models.PricePoint, 0, len(raw))
	for _, r := range raw {
		p := models.PricePoint{
			ID:           assetID,
			Symbol:       meta.Symbol,
			Name:         meta.Name,
			PriceUSD:     r.PriceUSD,
			MarketCapUSD: r.MarketCapUSD,
			Timestamp:    time.UnixMilli(r.TimestampMS).UTC(),
		}
		if i, seen := byTS[r.TimestampMS]; seen {
			out[i] = p
			continue
		}
		byTS[r.TimestampMS] = len(out)
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

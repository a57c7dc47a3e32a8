package models

import "time"

type AssetMeta struct {
	ID     string `json:"id" yaml:"id"`
	Symbol string `json:"symbol" yaml:"symbol"`
	Name   string `json:"name" yaml:"name"`
}

// RawSeriesPoint is one price sample joined with the market cap reported at
// the same timestamp, as delivered by the upstream API.
type RawSeriesPoint struct {
	AssetID      string
	TimestampMS  int64
	PriceUSD     float64
	MarketCapUSD *int64
}

// PricePoint is the persisted row. (ID, Timestamp) is the primary key.
type PricePoint struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name"`
	PriceUSD     float64   `json:"priceUsd"`
	MarketCapUSD *int64    `json:"marketCapUsd"`
	Timestamp    time.Time `json:"timestamp"`
}

type FetchWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowEndingAt returns [now - lookback, now].
func WindowEndingAt(now time.Time, lookback time.Duration) FetchWindow {
	return FetchWindow{Start: now.Add(-lookback), End: now}
}

// Overlaps reports whether w and other share at least one instant.
func (w FetchWindow) Overlaps(other FetchWindow) bool {
	return !w.End.Before(other.Start) && !other.End.Before(w.Start)
}

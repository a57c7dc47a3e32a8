package api

import (
	"net/http"
	"time"
)

// defaultRangeSpan is used when a range request omits from.
const defaultRangeSpan = 24 * time.Hour

type priceJSON struct {
	T  int64   `json:"t"`
	P  float64 `json:"p"`
	MC *int64  `json:"mc"`
}

type rangeResponse struct {
	ID     string      `json:"id"`
	Symbol string      `json:"symbol"`
	From   string      `json:"from"`
	To     string      `json:"to"`
	Points []priceJSON `json:"points"`
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.assets.Assets())
}

func (s *Server) handlePriceRange(w http.ResponseWriter, r *http.Request) {
	meta, err := s.assets.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	q := r.URL.Query()
	to := s.now().UTC()
	if v := q.Get("to"); v != "" {
		t, ok := parseTime(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid to, expected RFC3339, YYYY-MM-DD or unix ms")
			return
		}
		to = t
	}
	from := to.Add(-defaultRangeSpan)
	if v := q.Get("from"); v != "" {
		t, ok := parseTime(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid from, expected RFC3339, YYYY-MM-DD or unix ms")
			return
		}
		from = t
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from is after to")
		return
	}

	prices, err := s.store.Range(r.Context(), meta.ID, from, to, parseLimit(r, defaultQueryLimit))
	if err != nil {
		s.log.WithError(err).WithField("asset", meta.ID).Error("range query failed")
		writeError(w, http.StatusInternalServerError, "failed to fetch prices")
		return
	}

	out := make([]priceJSON, len(prices))
	for i, p := range prices {
		out[i] = priceJSON{T: p.Timestamp.UnixMilli(), P: p.PriceUSD, MC: p.MarketCapUSD}
	}
	writeJSON(w, http.StatusOK, rangeResponse{
		ID:     meta.ID,
		Symbol: meta.Symbol,
		From:   from.Format(time.RFC3339),
		To:     to.Format(time.RFC3339),
		Points: out,
	})
}

func (s *Server) handleLatestPrice(w http.ResponseWriter, r *http.Request) {
	meta, err := s.assets.Lookup(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	price, err := s.store.Latest(r.Context(), meta.ID)
	if err != nil {
		s.log.WithError(err).WithField("asset", meta.ID).Error("latest query failed")
		writeError(w, http.StatusInternalServerError, "failed to fetch latest price")
		return
	}
	if price == nil {
		writeError(w, http.StatusNotFound, "no price data available")
		return
	}
	writeJSON(w, http.StatusOK, price)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/cryptoprice-etl/internal/logging"
	"github.com/kjannette/cryptoprice-etl/internal/models"
	"github.com/kjannette/cryptoprice-etl/internal/registry"
	"github.com/kjannette/cryptoprice-etl/internal/scheduler"
)

var fixedNow = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	points  []models.PricePoint
	pingErr error
	failErr error

	gotFrom, gotTo time.Time
	gotLimit       int
}

func (f *fakeStore) Latest(_ context.Context, id string) (*models.PricePoint, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	var latest *models.PricePoint
	for i := range f.points {
		p := f.points[i]
		if p.ID == id && (latest == nil || p.Timestamp.After(latest.Timestamp)) {
			latest = &p
		}
	}
	return latest, nil
}

func (f *fakeStore) Range(_ context.Context, id string, from, to time.Time, limit int) ([]models.PricePoint, error) {
	f.gotFrom, f.gotTo, f.gotLimit = from, to, limit
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := []models.PricePoint{}
	for _, p := range f.points {
		if p.ID == id && !p.Timestamp.Before(from) && !p.Timestamp.After(to) && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) Count(context.Context) (int64, error) { return int64(len(f.points)), nil }
func (f *fakeStore) Ping(context.Context) error           { return f.pingErr }

// newHandler builds the full middleware stack with test defaults for any
// option left unset.
func newHandler(t *testing.T, opts Options) http.Handler {
	t.Helper()
	if opts.Assets == nil {
		reg, err := registry.New(registry.DefaultAssets, registry.Builtin())
		require.NoError(t, err)
		opts.Assets = reg
	}
	if opts.Store == nil {
		opts.Store = &fakeStore{}
	}
	if opts.Metrics == nil {
		opts.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("# metrics\n"))
		})
	}
	opts.Log = logging.Discard()

	s := NewServer(opts)
	s.now = func() time.Time { return fixedNow }
	return s.Handler()
}

func newTestServer(t *testing.T, store *fakeStore, last func() *scheduler.LastRun, apiKey string) http.Handler {
	t.Helper()
	return newHandler(t, Options{APIKey: apiKey, Store: store, LastRun: last})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func seedPoints() []models.PricePoint {
	mc := int64(900)
	return []models.PricePoint{
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", PriceUSD: 50, MarketCapUSD: &mc, Timestamp: fixedNow.Add(-2 * time.Hour)},
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", PriceUSD: 51, Timestamp: fixedNow.Add(-time.Hour)},
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin", PriceUSD: 40, Timestamp: fixedNow.Add(-48 * time.Hour)},
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &fakeStore{points: seedPoints()}, nil, "secret")
	rr := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rr.Code)

	var body healthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "connected", body.Services.Database)
	require.NotNil(t, body.Rows)
	assert.Equal(t, int64(3), *body.Rows)
}

func TestHealth_DatabaseDown(t *testing.T) {
	h := newTestServer(t, &fakeStore{pingErr: errors.New("refused")}, nil, "")
	rr := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rr.Code)

	var body healthResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "disconnected", body.Services.Database)
	assert.Nil(t, body.Rows)
}

func TestAssets(t *testing.T) {
	rr := get(t, newTestServer(t, &fakeStore{}, nil, ""), "/v1/assets")
	require.Equal(t, http.StatusOK, rr.Code)

	var assets []models.AssetMeta
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&assets))
	require.Len(t, assets, 3)
	assert.Equal(t, models.AssetMeta{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin"}, assets[0])
}

func TestPriceRange_DefaultsToLastDay(t *testing.T) {
	store := &fakeStore{points: seedPoints()}
	rr := get(t, newTestServer(t, store, nil, ""), "/v1/prices/bitcoin")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, fixedNow.Add(-24*time.Hour), store.gotFrom)
	assert.Equal(t, fixedNow, store.gotTo)
	assert.Equal(t, defaultQueryLimit, store.gotLimit)

	var body rangeResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "btc", body.Symbol)
	require.Len(t, body.Points, 2)
	assert.Equal(t, fixedNow.Add(-2*time.Hour).UnixMilli(), body.Points[0].T)
	require.NotNil(t, body.Points[0].MC)
	assert.Nil(t, body.Points[1].MC)
}

func TestPriceRange_ExplicitBounds(t *testing.T) {
	store := &fakeStore{points: seedPoints()}
	rr := get(t, newTestServer(t, store, nil, ""), "/v1/prices/bitcoin?from=2024-02-28&to=2024-03-01T00:00:00Z&limit=5")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC), store.gotFrom)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), store.gotTo)
	assert.Equal(t, 5, store.gotLimit)
}

func TestPriceRange_BadRequests(t *testing.T) {
	h := newTestServer(t, &fakeStore{}, nil, "")

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/prices/bitcoin?from=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/prices/bitcoin?to=soon").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/prices/bitcoin?from=2024-03-02&to=2024-03-01").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/prices/dogecoin").Code)
}

func TestPriceRange_StoreError(t *testing.T) {
	h := newTestServer(t, &fakeStore{failErr: errors.New("boom")}, nil, "")
	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/v1/prices/bitcoin").Code)
}

func TestLatestPrice(t *testing.T) {
	h := newTestServer(t, &fakeStore{points: seedPoints()}, nil, "")

	rr := get(t, h, "/v1/prices/bitcoin/latest")
	require.Equal(t, http.StatusOK, rr.Code)
	var p models.PricePoint
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&p))
	assert.Equal(t, 51.0, p.PriceUSD)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/prices/solana/latest").Code, "no rows yet")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/prices/dogecoin/latest").Code, "untracked")
}

func TestLastRun(t *testing.T) {
	var last *scheduler.LastRun
	h := newTestServer(t, &fakeStore{}, func() *scheduler.LastRun { return last }, "")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/runs/last").Code)

	last = &scheduler.LastRun{
		Result:     &models.RunResult{RunID: "abc", Loaded: 7, FailedAssets: []string{"solana"}},
		FinishedAt: fixedNow,
	}
	rr := get(t, h, "/v1/runs/last")
	require.Equal(t, http.StatusOK, rr.Code)

	var got scheduler.LastRun
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, "abc", got.Result.RunID)
	assert.Equal(t, []string{"solana"}, got.Result.FailedAssets)
}

func withToken(t *testing.T, h http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuth(t *testing.T) {
	h := newTestServer(t, &fakeStore{points: seedPoints()}, nil, "secret123")

	cases := []struct {
		name string
		path string
		auth string
		want int
	}{
		{"missing header", "/v1/prices/bitcoin/latest", "", http.StatusUnauthorized},
		{"wrong key", "/v1/prices/bitcoin/latest", "Bearer wrong_key", http.StatusUnauthorized},
		{"not bearer", "/v1/prices/bitcoin/latest", "Basic secret123", http.StatusUnauthorized},
		{"bare token", "/v1/assets", "secret123", http.StatusUnauthorized},
		{"correct key", "/v1/prices/bitcoin/latest", "Bearer secret123", http.StatusOK},
		{"correct key, untracked asset", "/v1/prices/dogecoin", "Bearer secret123", http.StatusNotFound},
		{"unknown asset still needs auth", "/v1/prices/dogecoin", "", http.StatusUnauthorized},
		{"health is open", "/health", "", http.StatusOK},
		{"metrics is open", "/metrics", "", http.StatusOK},
	}
	for _, tc := range cases {
		rr := withToken(t, h, http.MethodGet, tc.path, tc.auth)
		assert.Equal(t, tc.want, rr.Code, tc.name)
	}
}

func TestAuth_DisabledWithoutKey(t *testing.T) {
	h := newTestServer(t, &fakeStore{points: seedPoints()}, nil, "")

	assert.Equal(t, http.StatusOK, get(t, h, "/v1/prices/bitcoin").Code)
	assert.Equal(t, http.StatusOK, withToken(t, h, http.MethodGet, "/v1/assets", "Bearer anything").Code)
}

func TestAuth_RejectionBody(t *testing.T) {
	rr := get(t, newTestServer(t, &fakeStore{}, nil, "secret123"), "/v1/runs/last")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "missing Authorization header", body["error"])
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestCORS(t *testing.T) {
	h := newHandler(t, Options{CORSOrigin: "https://dash.example.com"})

	rr := get(t, h, "/v1/assets")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://dash.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Equal(t, "GET, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))

	assert.Equal(t, "*", get(t, newHandler(t, Options{}), "/health").Header().Get("Access-Control-Allow-Origin"))
}

// Preflight requests carry no credentials, so they must succeed before auth.
func TestCORS_PreflightOnProtectedRoute(t *testing.T) {
	store := &fakeStore{}
	h := newHandler(t, Options{APIKey: "secret123", Store: store})

	rr := withToken(t, h, http.MethodOptions, "/v1/prices/bitcoin", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Zero(t, store.gotLimit, "preflight must not reach the handler")
}

package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kjannette/cryptoprice-etl/internal/httputil"
	"github.com/kjannette/cryptoprice-etl/internal/models"
)

const (
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

	// Only USD is supported.
	vsCurrency = "usd"
)

// FetchError is returned for any failure retrieving one asset's series.
type FetchError struct {
	AssetID string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.AssetID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MalformedPayloadError is wrapped by a FetchError when the response decodes
// but lacks the expected shape.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Reason
}

type CoinGeckoOptions struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int // 0 disables client-side limiting
	Retry             httputil.RetryConfig
	Log               logrus.FieldLogger
}

type CoinGeckoClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      httputil.RetryConfig
	limiter    *rate.Limiter
	log        logrus.FieldLogger
}

func NewCoinGeckoClient(opts CoinGeckoOptions) *CoinGeckoClient {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultCoinGeckoURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    10 * time.Second,
		}
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	retry.Log = log

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	return &CoinGeckoClient{
		baseURL:    base,
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
		limiter:    limiter,
		log:        log,
	}
}

// Samples are [timestamp_ms, value] pairs; either element may be null.
type marketChartResponse struct {
	Prices     *[][]*float64 `json:"prices"`
	MarketCaps [][]*float64  `json:"market_caps"`
}

// FetchRange retrieves the price and market-cap series for assetID over w.
// All errors are *FetchError.
func (c *CoinGeckoClient) FetchRange(ctx context.Context, assetID string, w models.FetchWindow) ([]models.RawSeriesPoint, error) {
	points, err := c.fetchRange(ctx, assetID, w)
	if err != nil {
		return nil, &FetchError{AssetID: assetID, Err: err}
	}
	return points, nil
}

func (c *CoinGeckoClient) fetchRange(ctx context.Context, assetID string, w models.FetchWindow) ([]models.RawSeriesPoint, error) {
	endpoint := c.rangeURL(assetID, w)
	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func() (*http.Request, error) {
		// every attempt, retries included, takes a limiter token
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set(c.apiKeyHeader(), c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &httputil.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var data marketChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return nil, &MalformedPayloadError{Reason: err.Error()}
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	if data.Prices == nil {
		return nil, &MalformedPayloadError{Reason: `missing "prices"`}
	}

	points, err := JoinSeries(assetID, *data.Prices, data.MarketCaps)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"asset":       assetID,
		"prices":      len(*data.Prices),
		"market_caps": len(data.MarketCaps),
	}
	if dropped := len(*data.Prices) - len(points); dropped > 0 {
		c.log.WithFields(fields).WithField("dropped", dropped).Warn("null price samples dropped")
	} else {
		c.log.WithFields(fields).Debug("range fetched")
	}
	return points, nil
}

func (c *CoinGeckoClient) rangeURL(assetID string, w models.FetchWindow) string {
	q := url.Values{}
	q.Set("vs_currency", vsCurrency)
	q.Set("from", strconv.FormatInt(w.Start.Unix(), 10))
	q.Set("to", strconv.FormatInt(w.End.Unix(), 10))
	return fmt.Sprintf("%s/coins/%s/market_chart/range?%s", c.baseURL, url.PathEscape(assetID), q.Encode())
}

func (c *CoinGeckoClient) apiKeyHeader() string {
	if strings.Contains(c.baseURL, "pro-api.") {
		return "x-cg-pro-api-key"
	}
	return "x-cg-demo-api-key"
}

// maxMarketCap is 2^63, the first float64 past the int64 range.
var maxMarketCap = math.Ldexp(1, 63)

// JoinSeries left-joins market caps onto prices by exact timestamp. Every
// price sample with a value yields one point; a price sample whose value is
// null is dropped. A cap without a matching price timestamp is dropped, and a
// price without a matching cap, or whose cap is null, gets a nil cap.
func JoinSeries(assetID string, prices, marketCaps [][]*float64) ([]models.RawSeriesPoint, error) {
	caps := make(map[int64]*int64, len(marketCaps))
	for i, mc := range marketCaps {
		if len(mc) < 2 || mc[0] == nil {
			return nil, &MalformedPayloadError{Reason: fmt.Sprintf("market_caps[%d] is not a [timestamp, value] pair", i)}
		}
		ts := int64(*mc[0])
		if mc[1] == nil {
			caps[ts] = nil
			continue
		}
		v := math.Round(*mc[1])
		if v < 0 || v >= maxMarketCap {
			return nil, &MalformedPayloadError{Reason: fmt.Sprintf("market_caps[%d] value %g out of range", i, *mc[1])}
		}
		n := int64(v)
		caps[ts] = &n
	}

	out := make([]models.RawSeriesPoint, 0, len(prices))
	for i, p := range prices {
		if len(p) < 2 || p[0] == nil {
			return nil, &MalformedPayloadError{Reason: fmt.Sprintf("prices[%d] is not a [timestamp, value] pair", i)}
		}
		if p[1] == nil {
			continue
		}
		out = append(out, models.RawSeriesPoint{
			AssetID:      assetID,
			TimestampMS:  int64(*p[0]),
			PriceUSD:     *p[1],
			MarketCapUSD: caps[int64(*p[0])],
		})
	}
	return out, nil
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjannette/cryptoprice-etl/internal/models"
)

const namespace = "cryptoprice_etl"

const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeNoOp    = "noop"
	OutcomeFailed  = "failed"
)

// Collector holds the ingestion metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	rowsInserted  prometheus.Counter
	rowsSkipped   prometheus.Counter
	pointsFetched *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lastSuccess   prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Ingestion runs by outcome.",
		}, []string{"outcome"}),
		rowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Rows newly inserted into crypto_prices.",
		}),
		rowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_skipped_total",
			Help:      "Points already stored and skipped on load.",
		}),
		pointsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_fetched_total",
			Help:      "Normalized points fetched per asset.",
		}, []string{"asset"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Failed window fetches per asset.",
		}, []string{"asset"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of ingestion runs.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that did not fail.",
		}),
	}
	c.registry.MustRegister(
		c.runs, c.rowsInserted, c.rowsSkipped, c.pointsFetched,
		c.fetchFailures, c.runDuration, c.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveFetch(asset string, points int, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.fetchFailures.WithLabelValues(asset).Inc()
		return
	}
	c.pointsFetched.WithLabelValues(asset).Add(float64(points))
}

func (c *Collector) ObserveRun(res *models.RunResult, err error) {
	if c == nil {
		return
	}
	outcome := Outcome(res, err)
	c.runs.WithLabelValues(outcome).Inc()
	if res == nil {
		return
	}
	c.runDuration.Observe(res.Duration.Seconds())
	if err != nil {
		return
	}
	c.rowsInserted.Add(float64(res.Loaded))
	c.rowsSkipped.Add(float64(res.Skipped))
	c.lastSuccess.Set(float64(res.StartedAt.Add(res.Duration).Unix()))
}

// Outcome classifies a finished run.
func Outcome(res *models.RunResult, err error) string {
	switch {
	case err != nil || res == nil:
		return OutcomeFailed
	case res.Partial():
		return OutcomePartial
	case res.NoOp():
		return OutcomeNoOp
	default:
		return OutcomeSuccess
	}
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

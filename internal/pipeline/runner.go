package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kjannette/cryptoprice-etl/internal/metrics"
	"github.com/kjannette/cryptoprice-etl/internal/models"
	"github.com/kjannette/cryptoprice-etl/internal/registry"
)

const (
	DefaultLookback     = 24 * time.Hour
	DefaultFetchTimeout = 20 * time.Second
)

// Fetcher retrieves one asset's raw series over a window.
type Fetcher interface {
	FetchRange(ctx context.Context, assetID string, w models.FetchWindow) ([]models.RawSeriesPoint, error)
}

// Loader persists canonical rows. Load returns the number of rows newly
// inserted; keys already stored are not errors.
type Loader interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, points []models.PricePoint) (int, error)
}

type Options struct {
	Lookback     time.Duration
	FetchTimeout time.Duration
	Concurrency  int // 0 means one worker per asset
	Metrics      *metrics.Collector
	Log          logrus.FieldLogger
}

// Runner executes one ingestion run per call to Run.
type Runner struct {
	assets  *registry.Registry
	fetcher Fetcher
	loader  Loader
	opts    Options
	log     logrus.FieldLogger
}

func NewRunner(assets *registry.Registry, fetcher Fetcher, loader Loader, opts Options) *Runner {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Concurrency <= 0 || opts.Concurrency > assets.Len() {
		opts.Concurrency = assets.Len()
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		assets:  assets,
		fetcher: fetcher,
		loader:  loader,
		opts:    opts,
		log:     log,
	}
}

func (r *Runner) Lookback() time.Duration { return r.opts.Lookback }

// assetOutcome is the per-asset result of fetch + normalize: either points
// or an error, never both.
type assetOutcome struct {
	assetID string
	points  []models.PricePoint
	err     error
}

// Run ingests [now - lookback, now] for every tracked asset. Per-asset fetch
// failures are reported in the result and never fail the run; schema and
// load failures do.
func (r *Runner) Run(ctx context.Context, now time.Time) (*models.RunResult, error) {
	res := &models.RunResult{
		RunID:        uuid.NewString(),
		Window:       models.WindowEndingAt(now.UTC(), r.opts.Lookback),
		FailedAssets: []string{},
		StartedAt:    time.Now().UTC(),
	}
	log := r.log.WithField("run_id", res.RunID)

	err := r.run(ctx, res, log)
	res.Duration = time.Since(res.StartedAt)
	r.opts.Metrics.ObserveRun(res, err)
	if err != nil {
		log.WithError(err).Error("run failed")
		return res, err
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, res *models.RunResult, log logrus.FieldLogger) error {
	if err := r.loader.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	log.WithFields(logrus.Fields{
		"from":   res.Window.Start.Format(time.RFC3339),
		"to":     res.Window.End.Format(time.RFC3339),
		"assets": r.assets.Len(),
	}).Info("run started")

	outcomes := r.fanOut(ctx, res.Window, log)

	var batch []models.PricePoint
	for _, o := range outcomes {
		if o.err != nil {
			res.FailedAssets = append(res.FailedAssets, o.assetID)
			if res.Failures == nil {
				res.Failures = make(map[string]string)
			}
			res.Failures[o.assetID] = o.err.Error()
			continue
		}
		batch = append(batch, o.points...)
	}
	res.Fetched = len(batch)

	if len(batch) == 0 {
		log.WithField("failed_assets", res.FailedAssets).Info("no data in window, nothing to load")
		return nil
	}

	inserted, err := r.loader.Load(ctx, batch)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	res.Loaded = inserted
	res.Skipped = len(batch) - inserted

	log.WithFields(logrus.Fields{
		"fetched":       res.Fetched,
		"loaded":        res.Loaded,
		"skipped":       res.Skipped,
		"failed_assets": res.FailedAssets,
	}).Info("run finished")
	return nil
}

// fanOut fetches and normalizes every asset with bounded concurrency and
// returns once all of them have finished, in registry order.
func (r *Runner) fanOut(ctx context.Context, w models.FetchWindow, log logrus.FieldLogger) []assetOutcome {
	ids := r.assets.IDs()
	outcomes := make([]assetOutcome, len(ids))

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = r.ingestAsset(ctx, id, w, log)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Runner) ingestAsset(ctx context.Context, assetID string, w models.FetchWindow, log logrus.FieldLogger) assetOutcome {
	alog := log.WithField("asset", assetID)

	meta, err := r.assets.Lookup(assetID)
	if err != nil {
		return assetOutcome{assetID: assetID, err: err}
	}

	fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
	defer cancel()

	raw, err := r.fetcher.FetchRange(fctx, assetID, w)
	if err != nil {
		alog.WithError(err).Warn("fetch failed, asset excluded from batch")
		r.opts.Metrics.ObserveFetch(assetID, 0, err)
		return assetOutcome{assetID: assetID, err: err}
	}

	points := Normalize(assetID, meta, raw)
	r.opts.Metrics.ObserveFetch(assetID, len(points), nil)
	alog.WithField("points", len(points)).Debug("asset normalized")
	return assetOutcome{assetID: assetID, points: points}
}

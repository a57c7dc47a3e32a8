package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/cryptoprice-etl/internal/api"
	"github.com/kjannette/cryptoprice-etl/internal/config"
	"github.com/kjannette/cryptoprice-etl/internal/db"
	"github.com/kjannette/cryptoprice-etl/internal/external"
	"github.com/kjannette/cryptoprice-etl/internal/httputil"
	"github.com/kjannette/cryptoprice-etl/internal/logging"
	"github.com/kjannette/cryptoprice-etl/internal/metrics"
	"github.com/kjannette/cryptoprice-etl/internal/models"
	"github.com/kjannette/cryptoprice-etl/internal/notifications"
	"github.com/kjannette/cryptoprice-etl/internal/pipeline"
	"github.com/kjannette/cryptoprice-etl/internal/registry"
	"github.com/kjannette/cryptoprice-etl/internal/repository"
	"github.com/kjannette/cryptoprice-etl/internal/scheduler"
)

func main() {
	once := flag.Bool("once", false, "run one ingestion and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	log := logging.Component(logger, "main")
	cfg.Log(log)
	cfg.Warn(log)

	if err := run(cfg, logger, *once); err != nil {
		log.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logrus.Logger, once bool) error {
	log := logging.Component(logger, "main")

	catalog := registry.Builtin()
	if cfg.AssetsFile != "" {
		c, err := registry.LoadCatalog(cfg.AssetsFile, catalog)
		if err != nil {
			return err
		}
		catalog = c
	}
	assets, err := registry.New(cfg.Assets, catalog)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	collector := metrics.New()
	notify := notifications.NewSender(cfg.WebhookURL, cfg.AlertName, logging.Component(logger, "alerts"))

	client := external.NewCoinGeckoClient(external.CoinGeckoOptions{
		BaseURL:           cfg.APIBaseURL,
		APIKey:            cfg.CoinGeckoAPIKey,
		Timeout:           cfg.FetchTimeout(),
		RequestsPerMinute: cfg.RequestsPerMinute,
		Retry: httputil.RetryConfig{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   2 * time.Second,
			MaxDelay:    10 * time.Second,
		},
		Log: logging.Component(logger, "coingecko"),
	})

	runner := pipeline.NewRunner(assets, client, store, pipeline.Options{
		Lookback:     cfg.Lookback(),
		FetchTimeout: cfg.FetchTimeout(),
		Concurrency:  cfg.FetchConcurrency,
		Metrics:      collector,
		Log:          logging.Component(logger, "pipeline"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout())
		defer cancel()
		res, err := runner.Run(runCtx, time.Now())
		notify.NotifyRun(context.Background(), res, err)
		return err
	}

	sched := scheduler.NewIngestScheduler(runner, scheduler.Config{
		Interval:   cfg.RunInterval(),
		RunTimeout: cfg.RunTimeout(),
		OnResult: func(res *models.RunResult, err error) {
			notify.NotifyRun(context.Background(), res, err)
		},
		Log: logging.Component(logger, "scheduler"),
	})

	var srv *api.Server
	if cfg.APIPort != 0 {
		srv = api.NewServer(api.Options{
			Port:       cfg.APIPort,
			APIKey:     cfg.APIKey,
			CORSOrigin: cfg.CORSAllowOrigin,
			Store:      store,
			Assets:     assets,
			LastRun:    sched.LastResult,
			Metrics:    collector.Handler(),
			Log:        logging.Component(logger, "api"),
		})
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("API server error")
				stop()
			}
		}()
	}

	sched.Start()
	log.Info("all services started")

	<-ctx.Done()
	log.Info("shutting down gracefully")

	sched.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("API shutdown error")
		}
	}
	log.Info("shutdown complete")
	return nil
}

// openStore connects the configured driver and returns the table store with
// its closer.
func openStore(cfg *config.Config, log logrus.FieldLogger) (repository.PriceStore, func(), error) {
	ctx := context.Background()
	log = log.WithField("driver", cfg.DBDriver)

	switch cfg.DBDriver {
	case db.DriverPgx:
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		now, err := db.ServerTime(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.WithField("server_time", now.UTC().Format(time.RFC3339)).Info("database connected")
		return repository.NewPriceRepo(pool, cfg.ConflictPolicy), func() {
			pool.Close()
			log.Info("connection pool closed")
		}, nil

	case db.DriverPostgres, db.DriverSQLite:
		sqlDB, err := db.OpenSQL(ctx, cfg.DBDriver, cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		dialect := repository.DialectPostgres
		if cfg.DBDriver == db.DriverSQLite {
			dialect = repository.DialectSQLite
		}
		store, err := repository.NewSQLPriceRepo(sqlDB, dialect, cfg.ConflictPolicy)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		log.Info("database connected")
		return store, func() {
			sqlDB.Close()
			log.Info("database closed")
		}, nil
	}
	return nil, nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
}

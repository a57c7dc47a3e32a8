package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kjannette/cryptoprice-etl/internal/external"
	"github.com/kjannette/cryptoprice-etl/internal/registry"
	"github.com/kjannette/cryptoprice-etl/internal/repository"
)

type Config struct {
	// Assets
	Assets     []string
	AssetsFile string

	// Run
	LookbackHours       int
	RunIntervalMinutes  int
	RunTimeoutSeconds   int
	FetchTimeoutSeconds int
	FetchConcurrency    int

	// CoinGecko
	APIBaseURL        string
	CoinGeckoAPIKey   string
	RequestsPerMinute int
	RetryMaxAttempts  int

	// Database
	DBDriver       string
	DatabaseURL    string
	DBHost         string
	DBPort         int
	DBName         string
	DBUser         string
	DBPassword     string
	ConflictPolicy repository.ConflictPolicy

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Alerts
	WebhookURL string
	AlertName  string

	// API
	APIPort         int
	APIKey          string
	CORSAllowOrigin string
}

// Load reads the environment, after merging a .env file if one exists.
// Values that fail to parse are reported together.
func Load() (*Config, error) {
	_ = godotenv.Load()

	e := &env{}
	cfg := &Config{
		Assets:     e.list("ASSETS", registry.DefaultAssets),
		AssetsFile: e.str("ASSETS_FILE", ""),

		LookbackHours:       e.num("LOOKBACK_HOURS", 24),
		RunIntervalMinutes:  e.num("RUN_INTERVAL_MINUTES", 60),
		RunTimeoutSeconds:   e.num("RUN_TIMEOUT_SECONDS", 300),
		FetchTimeoutSeconds: e.num("FETCH_TIMEOUT_SECONDS", 20),
		FetchConcurrency:    e.num("FETCH_CONCURRENCY", 0),

		APIBaseURL:        e.str("API_BASE_URL", external.DefaultCoinGeckoURL),
		CoinGeckoAPIKey:   e.str("COINGECKO_API_KEY", ""),
		RequestsPerMinute: e.num("REQUESTS_PER_MINUTE", 30),
		RetryMaxAttempts:  e.num("RETRY_MAX_ATTEMPTS", 3),

		DBDriver:    strings.ToLower(e.str("DB_DRIVER", "pgx")),
		DatabaseURL: e.str("DATABASE_URL", ""),
		DBHost:      e.str("DB_HOST", "localhost"),
		DBPort:      e.num("DB_PORT", 5432),
		DBName:      e.str("DB_NAME", "crypto_prices"),
		DBUser:      e.str("DB_USER", "postgres"),
		DBPassword:  e.str("DB_PASSWORD", ""),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "text"),
		LogFile:   e.str("LOG_FILE", ""),

		WebhookURL: e.str("WEBHOOK_URL", ""),
		AlertName:  e.str("ALERT_NAME", "CryptoPriceETL"),

		APIPort:         e.num("API_PORT", 3001),
		APIKey:          e.str("API_KEY", ""),
		CORSAllowOrigin: e.str("CORS_ALLOW_ORIGIN", "*"),
	}

	policy, err := repository.ParseConflictPolicy(e.str("CONFLICT_POLICY", ""))
	if err != nil {
		e.errs = append(e.errs, "CONFLICT_POLICY: "+err.Error())
	}
	cfg.ConflictPolicy = policy

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("config parse failed:\n  %s", strings.Join(e.errs, "\n  "))
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if len(c.Assets) == 0 {
		errs = append(errs, "ASSETS must name at least one asset")
	}
	if c.LookbackHours <= 0 {
		errs = append(errs, "LOOKBACK_HOURS must be positive")
	}
	if c.RunIntervalMinutes <= 0 {
		errs = append(errs, "RUN_INTERVAL_MINUTES must be positive")
	}
	if c.RunTimeoutSeconds <= 0 {
		errs = append(errs, "RUN_TIMEOUT_SECONDS must be positive")
	}
	if c.FetchTimeoutSeconds <= 0 {
		errs = append(errs, "FETCH_TIMEOUT_SECONDS must be positive")
	}
	if c.FetchConcurrency < 0 {
		errs = append(errs, "FETCH_CONCURRENCY must not be negative")
	}
	if c.RequestsPerMinute < 0 {
		errs = append(errs, "REQUESTS_PER_MINUTE must not be negative")
	}
	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS must be positive")
	}
	switch c.DBDriver {
	case "pgx", "postgres":
	case "sqlite":
		if c.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL (a file path) is required for DB_DRIVER=sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER %q is not one of pgx, postgres, sqlite", c.DBDriver))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, "LOG_LEVEL: "+err.Error())
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT %q is not text or json", c.LogFormat))
	}
	if c.APIPort < 0 || c.APIPort > 65535 {
		errs = append(errs, "API_PORT out of range")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Warn logs settings that are legal but probably not intended.
func (c *Config) Warn(log logrus.FieldLogger) {
	if c.APIKey == "" && c.APIPort != 0 {
		log.Warn("API_KEY not set, REST API has no authentication")
	}
	if c.WebhookURL == "" {
		log.Warn("WEBHOOK_URL not set, partial and failed runs will not alert")
	}
	if c.CoinGeckoAPIKey == "" && c.RequestsPerMinute > 30 {
		log.Warnf("REQUESTS_PER_MINUTE=%d exceeds the keyless public limit", c.RequestsPerMinute)
	}
	if c.RunIntervalMinutes > c.LookbackHours*60 {
		log.Warn("RUN_INTERVAL_MINUTES exceeds the lookback window, runs will leave coverage gaps")
	}
}

// Log writes a one-shot summary of the effective configuration.
func (c *Config) Log(log logrus.FieldLogger) {
	log.WithFields(logrus.Fields{
		"assets":          strings.Join(c.Assets, ","),
		"assets_file":     c.AssetsFile,
		"lookback":        c.Lookback().String(),
		"interval":        c.RunInterval().String(),
		"run_timeout":     c.RunTimeout().String(),
		"fetch_timeout":   c.FetchTimeout().String(),
		"concurrency":     c.FetchConcurrency,
		"api_base_url":    c.APIBaseURL,
		"api_key":         boolLabel(c.CoinGeckoAPIKey != "", "configured", "not set"),
		"rpm":             c.RequestsPerMinute,
		"db_driver":       c.DBDriver,
		"conflict_policy": c.ConflictPolicy,
		"api_port":        c.APIPort,
		"alerts":          boolLabel(c.WebhookURL != "", "enabled", "disabled"),
	}).Info("configuration loaded")
}

// DSN returns DATABASE_URL, or a postgres URL assembled from the DB_* parts.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.RunIntervalMinutes) * time.Minute
}

func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// --- helpers ---

type env struct {
	errs []string
}

func (e *env) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (e *env) num(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (e *env) list(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}

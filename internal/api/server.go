package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/cryptoprice-etl/internal/models"
	"github.com/kjannette/cryptoprice-etl/internal/registry"
	"github.com/kjannette/cryptoprice-etl/internal/scheduler"
)

const (
	defaultQueryLimit = 500
	maxQueryLimit     = 1000
)

var dateRegexp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Store is the read side of the crypto_prices table.
type Store interface {
	Latest(ctx context.Context, assetID string) (*models.PricePoint, error)
	Range(ctx context.Context, assetID string, from, to time.Time, limit int) ([]models.PricePoint, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Port       int
	APIKey     string
	CORSOrigin string
	Store      Store
	Assets     *registry.Registry
	LastRun    func() *scheduler.LastRun
	Metrics    http.Handler
	Log        logrus.FieldLogger
}

type Server struct {
	store      Store
	assets     *registry.Registry
	lastRun    func() *scheduler.LastRun
	httpServer *http.Server
	apiKey     string
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		store:   opts.Store,
		assets:  opts.Assets,
		lastRun: opts.LastRun,
		apiKey:  opts.APIKey,
		log:     log,
		now:     time.Now,
	}

	mux := http.NewServeMux()

	// Price routes
	mux.HandleFunc("GET /v1/assets", s.handleAssets)
	mux.HandleFunc("GET /v1/prices/{id}", s.handlePriceRange)
	mux.HandleFunc("GET /v1/prices/{id}/latest", s.handleLatestPrice)

	// Run routes
	mux.HandleFunc("GET /v1/runs/last", s.handleLastRun)

	// No auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	handler := corsMiddleware(s.authMiddleware(mux), opts.CORSOrigin)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.WithFields(logrus.Fields{
		"addr": s.httpServer.Addr,
		"auth": s.apiKey != "",
	}).Info("REST API server started")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func validateDate(date string) bool {
	if !dateRegexp.MatchString(date) {
		return false
	}
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

// parseTime accepts RFC 3339, a YYYY-MM-DD date (midnight UTC) or unix
// milliseconds.
func parseTime(v string) (time.Time, bool) {
	if validateDate(v) {
		t, _ := time.Parse("2006-01-02", v)
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), true
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

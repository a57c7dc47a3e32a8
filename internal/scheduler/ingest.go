package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/cryptoprice-etl/internal/models"
)

// Runner is one ingestion run ending at now.
type Runner interface {
	Run(ctx context.Context, now time.Time) (*models.RunResult, error)
}

type Config struct {
	Interval   time.Duration // e.g. 1*time.Hour
	RunTimeout time.Duration
	OnResult   func(res *models.RunResult, err error)
	Log        logrus.FieldLogger
}

// LastRun is the most recent finished run.
type LastRun struct {
	Result     *models.RunResult `json:"result"`
	Error      string            `json:"error,omitempty"`
	FinishedAt time.Time         `json:"finishedAt"`
}

// IngestScheduler runs the pipeline on start and on every tick. Runs never
// overlap: a manual RunNow waits for a scheduled run in flight and vice
// versa.
type IngestScheduler struct {
	runner Runner
	cfg    Config
	log    logrus.FieldLogger

	runMu sync.Mutex

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	last       *LastRun
	lastWindow *models.FetchWindow
}

func NewIngestScheduler(runner Runner, cfg Config) *IngestScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &IngestScheduler{
		runner: runner,
		cfg:    cfg,
		log:    log,
	}
}

func (s *IngestScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.runOnce(ctx, time.Now())

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case tick := <-ticker.C:
				s.runOnce(ctx, tick)
			}
		}
	}()

	s.log.WithField("interval", s.cfg.Interval.String()).Info("scheduler started")
}

// Stop cancels any run in flight and waits for the loop to exit.
func (s *IngestScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *IngestScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow triggers a run outside the normal schedule and returns its result.
func (s *IngestScheduler) RunNow(ctx context.Context) (*models.RunResult, error) {
	s.log.Info("manual run triggered")
	return s.runOnce(ctx, time.Now())
}

// LastResult returns the most recent finished run, or nil before the first.
func (s *IngestScheduler) LastResult() *LastRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

func (s *IngestScheduler) runOnce(ctx context.Context, now time.Time) (*models.RunResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	res, err := s.runner.Run(ctx, now)
	s.record(res, err)

	if s.cfg.OnResult != nil {
		s.cfg.OnResult(res, err)
	}
	return res, err
}

func (s *IngestScheduler) record(res *models.RunResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := &LastRun{Result: res, FinishedAt: time.Now().UTC()}
	if err != nil {
		last.Error = err.Error()
	}
	s.last = last

	if err != nil || res == nil {
		return
	}
	if s.lastWindow != nil && !s.lastWindow.Overlaps(res.Window) {
		s.log.WithFields(logrus.Fields{
			"prev_end":   s.lastWindow.End.Format(time.RFC3339),
			"next_start": res.Window.Start.Format(time.RFC3339),
		}).Warn("coverage gap: consecutive windows do not overlap")
	}
	w := res.Window
	s.lastWindow = &w
}

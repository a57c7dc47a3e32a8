package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kjannette/cryptoprice-etl/internal/httputil"
	"github.com/kjannette/cryptoprice-etl/internal/models"
)

const DefaultAlertName = "CryptoPriceETL"

// Sender posts alerts to a Slack or Discord incoming webhook. Without a URL
// it only logs.
type Sender struct {
	webhookURL string
	name       string
	httpClient *http.Client
	retry      httputil.RetryConfig
	log        logrus.FieldLogger
}

func NewSender(webhookURL, name string, log logrus.FieldLogger) *Sender {
	if name == "" {
		name = DefaultAlertName
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sender{
		webhookURL: webhookURL,
		name:       name,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
			Log:         log,
		},
		log: log,
	}
}

// Send delivers msg and logs failures instead of returning them.
func (s *Sender) Send(ctx context.Context, msg string) {
	if err := s.Post(ctx, msg); err != nil {
		s.log.WithError(err).Error("alert delivery failed")
	}
}

// Post delivers msg and reports whether the webhook accepted it.
func (s *Sender) Post(ctx context.Context, msg string) error {
	formatted := fmt.Sprintf("[%s] %s", s.name, msg)
	s.log.WithField("alert", s.name).Info(msg)

	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(s.formatPayload(formatted))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("send after retries: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &httputil.StatusError{Code: resp.StatusCode}
	}
	return nil
}

// NotifyRun alerts when a run failed or left assets out. Clean runs are
// silent.
func (s *Sender) NotifyRun(ctx context.Context, res *models.RunResult, runErr error) {
	msg, ok := RunAlert(res, runErr)
	if !ok {
		return
	}
	s.Send(ctx, msg)
}

// RunAlert renders the alert text for a run, and false when the run needs
// none.
func RunAlert(res *models.RunResult, runErr error) (string, bool) {
	switch {
	case runErr != nil:
		if res == nil {
			return fmt.Sprintf("run FAILED: %v", runErr), true
		}
		return fmt.Sprintf("run %s FAILED after %s: %v", shortID(res.RunID), res.Duration.Round(time.Millisecond), runErr), true
	case res == nil || !res.Partial():
		return "", false
	}

	ids := append([]string(nil), res.FailedAssets...)
	sort.Strings(ids)
	var b strings.Builder
	fmt.Fprintf(&b, "run %s PARTIAL: %d asset(s) failed, %d loaded, %d skipped",
		shortID(res.RunID), len(ids), res.Loaded, res.Skipped)
	for _, id := range ids {
		fmt.Fprintf(&b, "\n  %s: %s", id, res.Failures[id])
	}
	return b.String(), true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Sender) formatPayload(msg string) map[string]string {
	if strings.Contains(s.webhookURL, "discord") {
		return map[string]string{
			"content":  msg,
			"username": s.name,
		}
	}
	return map[string]string{
		"text":     fmt.Sprintf("`%s`", msg),
		"username": s.name,
	}
}

func (s *Sender) Enabled() bool {
	return s.webhookURL != ""
}

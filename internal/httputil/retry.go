package httputil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Log         logrus.FieldLogger
}

var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    10 * time.Second,
}

// Retryable reports whether a response status is worth another attempt:
// server errors and rate limiting. Other client errors are permanent.
func Retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// Do executes an HTTP request with exponential backoff retry.
// The buildReq function is called on each attempt to produce a fresh request
// (required because request bodies are consumed on each attempt).
// Non-retryable responses are returned as-is for the caller to inspect.
func Do(ctx context.Context, client *http.Client, cfg RetryConfig, buildReq func() (*http.Request, error)) (*http.Response, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetry.MaxDelay
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		wait := delay
		resp, err := client.Do(req)
		if err == nil && !Retryable(resp.StatusCode) {
			return resp, nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = &StatusError{Code: resp.StatusCode, Body: string(body)}
			if ra := retryAfter(resp.Header.Get("Retry-After")); ra > wait {
				wait = ra
			}
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     cfg.MaxAttempts,
			"wait":    wait.String(),
		}).WithError(lastErr).Warn("request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return nil, fmt.Errorf("all %d attempts failed, last error: %w", cfg.MaxAttempts, lastErr)
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// retryAfter parses the delta-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

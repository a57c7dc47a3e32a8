package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/cryptoprice-etl/internal/logging"
	"github.com/kjannette/cryptoprice-etl/internal/models"
)

func testSender(url, name string) *Sender {
	s := NewSender(url, name, logging.Discard())
	s.retry.BaseDelay = 5 * time.Millisecond
	s.retry.MaxDelay = 10 * time.Millisecond
	return s
}

func TestSend_NoWebhook(t *testing.T) {
	s := testSender("", "TestETL")
	if s.Enabled() {
		t.Fatal("should not be enabled with empty URL")
	}
	require.NoError(t, s.Post(context.Background(), "hello from test"))
}

func TestSend_SlackFormat(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := testSender(srv.URL, "TestETL")
	if !s.Enabled() {
		t.Fatal("should be enabled")
	}

	require.NoError(t, s.Post(context.Background(), "run partial"))

	if received["username"] != "TestETL" {
		t.Fatalf("username: got %s", received["username"])
	}
	if received["text"] != "`[TestETL] run partial`" {
		t.Fatalf("text: got %q", received["text"])
	}
}

func TestSend_DiscordFormat(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// URL containing "discord" triggers Discord format
	s := testSender(srv.URL+"/discord/webhook", "PriceBot")
	require.NoError(t, s.Post(context.Background(), "run failed"))

	if received["content"] == "" {
		t.Fatal("content should not be empty for Discord")
	}
	if received["username"] != "PriceBot" {
		t.Fatalf("username: got %s", received["username"])
	}
	if _, hasText := received["text"]; hasText {
		t.Fatal("Discord payload should not have 'text' field")
	}
}

func TestSend_WebhookError(t *testing.T) {
	s := testSender("http://localhost:1/bogus", "TestETL")
	require.Error(t, s.Post(context.Background(), "this will fail"))
	// Send swallows the error
	s.Send(context.Background(), "this will fail gracefully")
}

func TestSend_RejectedByWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	require.Error(t, testSender(srv.URL, "").Post(context.Background(), "nope"))
}

func TestDefaultAlertName(t *testing.T) {
	s := NewSender("", "", nil)
	if s.name != DefaultAlertName {
		t.Fatalf("expected default name, got %s", s.name)
	}
}

func TestRunAlert(t *testing.T) {
	clean := &models.RunResult{RunID: "0123456789abcdef", Fetched: 10, Loaded: 10, FailedAssets: []string{}}
	_, ok := RunAlert(clean, nil)
	assert.False(t, ok, "clean run is silent")

	noop := &models.RunResult{RunID: "0123456789abcdef", FailedAssets: []string{}}
	_, ok = RunAlert(noop, nil)
	assert.False(t, ok, "empty window is silent")

	partial := &models.RunResult{
		RunID:        "0123456789abcdef",
		Loaded:       24,
		Skipped:      1,
		FailedAssets: []string{"solana", "ethereum"},
		Failures:     map[string]string{"solana": "HTTP 500", "ethereum": "timeout"},
	}
	msg, ok := RunAlert(partial, nil)
	require.True(t, ok)
	assert.Contains(t, msg, "run 01234567 PARTIAL: 2 asset(s) failed, 24 loaded, 1 skipped")
	assert.Contains(t, msg, "ethereum: timeout\n  solana: HTTP 500")

	msg, ok = RunAlert(&models.RunResult{RunID: "abc", Duration: 1500 * time.Millisecond}, errors.New("load: boom"))
	require.True(t, ok)
	assert.Equal(t, "run abc FAILED after 1.5s: load: boom", msg)
}

func TestNotifyRun_PostsOnlyWhenNeeded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := testSender(srv.URL, "")
	s.NotifyRun(context.Background(), &models.RunResult{Fetched: 3, Loaded: 3}, nil)
	assert.Equal(t, int32(0), hits.Load())

	s.NotifyRun(context.Background(), nil, errors.New("ensure schema: denied"))
	assert.Equal(t, int32(1), hits.Load())
}

package models

import "time"

// RunResult summarizes one ingestion run. A run with FailedAssets is still a
// successful run; only load-layer errors fail it.
type RunResult struct {
	RunID        string            `json:"runId"`
	Window       FetchWindow       `json:"window"`
	Fetched      int               `json:"fetched"`
	Loaded       int               `json:"loaded"`
	Skipped      int               `json:"skipped"`
	FailedAssets []string          `json:"failedAssets"`
	Failures     map[string]string `json:"failures,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	Duration     time.Duration     `json:"duration"`
}

func (r *RunResult) Partial() bool {
	return len(r.FailedAssets) > 0
}

func (r *RunResult) NoOp() bool {
	return r.Fetched == 0
}

package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Services  healthServices `json:"services"`
	Rows      *int64         `json:"rows,omitempty"`
	LastRunAt string         `json:"lastRunAt,omitempty"`
}

type healthServices struct {
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Services:  healthServices{Database: "connected"},
	}

	if err := s.store.Ping(r.Context()); err != nil {
		resp.Services.Database = "disconnected"
	} else if n, err := s.store.Count(r.Context()); err == nil {
		resp.Rows = &n
	}

	if s.lastRun != nil {
		if last := s.lastRun(); last != nil {
			resp.LastRunAt = last.FinishedAt.Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

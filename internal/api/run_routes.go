package api

import "net/http"

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if s.lastRun != nil {
		if last := s.lastRun(); last != nil {
			writeJSON(w, http.StatusOK, last)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no run has finished yet")
}

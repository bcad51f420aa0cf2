package httpapi

import "net/http"

func (s *Server) handlePerfWaits(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotWaits())
}

func (s *Server) handlePerfWaitsReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetWaits()
	w.WriteHeader(http.StatusNoContent)
}

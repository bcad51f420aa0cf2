package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/orchestrator"
)

type deleteInteractionsRequest struct {
	IDs []string `json:"ids"`
}

type exportRequest struct {
	Path string `json:"path"`
}

// handleListInteractions lists the history newest first. The type and
// state query parameters narrow the result.
func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	store := s.svc.History()
	var (
		out []interactions.Interaction
		err error
	)
	q := r.URL.Query()
	switch {
	case q.Get("state") == "pending":
		out, err = store.GetPendingPlanReviews(r.Context())
	case q.Get("state") == "completed":
		out, err = store.GetCompleted(r.Context())
	case q.Get("type") != "":
		out, err = store.GetByType(r.Context(), interactions.Type(q.Get("type")))
	default:
		out, err = store.GetAll(r.Context())
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if t := q.Get("type"); t != "" && q.Get("state") != "" {
		filtered := out[:0]
		for _, rec := range out {
			if string(rec.Type) == t {
				filtered = append(filtered, rec)
			}
		}
		out = filtered
	}
	if out == nil {
		out = []interactions.Interaction{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"interactions": out})
}

func (s *Server) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.History().Get(r.Context(), urlID(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInteractionMarkdown(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.History().Get(r.Context(), urlID(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(interactions.RenderMarkdown(rec)))
}

func (s *Server) handleDeleteInteraction(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.History().Delete(r.Context(), urlID(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, string(orchestrator.KindNotFound), "interaction not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteInteractions(w http.ResponseWriter, r *http.Request) {
	var req deleteInteractionsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	n, err := s.svc.History().DeleteMany(r.Context(), req.IDs)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.History().ClearCompleted(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleExportInteraction(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	path, err := s.svc.ExportInteraction(r.Context(), urlID(r, "id"), req.Path)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"path": path})
}

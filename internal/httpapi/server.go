package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/humanloop/internal/config"
	"github.com/ent0n29/humanloop/internal/observability"
	"github.com/ent0n29/humanloop/internal/orchestrator"
	"github.com/ent0n29/humanloop/internal/uibridge"
)

type Server struct {
	cfg     config.Config
	svc     *orchestrator.Service
	hub     *uibridge.Hub
	metrics *observability.Metrics
}

func New(cfg config.Config, svc *orchestrator.Service, hub *uibridge.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		hub:     hub,
		metrics: metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/waits", s.handlePerfWaits)
	r.Post("/v1/perf/waits/reset", s.handlePerfWaitsReset)

	r.Get("/v1/ui/ws", s.hub.ServeWS)
	r.Get("/v1/ui/presence", s.handlePresence)

	r.Get("/v1/tools", s.handleListTools)
	r.Post("/v1/tools/{name}", s.handleCallTool)

	r.Get("/v1/questions", s.handleListQuestions)
	r.Post("/v1/questions/cancel", s.handleCancelQuestionByText)
	r.Post("/v1/questions/{id}/answer", s.handleAnswerQuestion)
	r.Post("/v1/questions/{id}/cancel", s.handleCancelQuestion)
	r.Post("/v1/questions/{id}/select", s.handleSelectQuestion)

	r.Get("/v1/reviews", s.handleListReviews)
	r.Get("/v1/reviews/{id}", s.handleGetReview)
	r.Post("/v1/reviews/{id}/action", s.handleReviewAction)
	r.Post("/v1/reviews/{id}/comments", s.handleReviewComment)
	r.Post("/v1/reviews/{id}/panel-closed", s.handleReviewPanelClosed)
	r.Post("/v1/reviews/{id}/reopen", s.handleReviewReopen)

	r.Get("/v1/prompts", s.handleListPrompts)
	r.Post("/v1/prompts/{id}/answer", s.handleAnswerPrompt)

	r.Get("/v1/tasklists", s.handleListTaskLists)
	r.Get("/v1/tasklists/{id}", s.handleGetTaskList)
	r.Delete("/v1/tasklists/{id}", s.handleDeleteTaskList)
	r.Post("/v1/tasklists/{id}/tasks/{taskId}/comments", s.handleAddTaskComment)
	r.Patch("/v1/tasklists/{id}/tasks/{taskId}/comments/{commentId}", s.handleEditTaskComment)
	r.Delete("/v1/tasklists/{id}/tasks/{taskId}/comments/{commentId}", s.handleDeleteTaskComment)
	r.Post("/v1/tasklists/{id}/tasks/{taskId}/breakpoint", s.handleSetBreakpoint)

	r.Get("/v1/interactions", s.handleListInteractions)
	r.Post("/v1/interactions/delete", s.handleDeleteInteractions)
	r.Post("/v1/interactions/clear-completed", s.handleClearCompleted)
	r.Get("/v1/interactions/{id}", s.handleGetInteraction)
	r.Delete("/v1/interactions/{id}", s.handleDeleteInteraction)
	r.Get("/v1/interactions/{id}/markdown", s.handleInteractionMarkdown)
	r.Post("/v1/interactions/{id}/export", s.handleExportInteraction)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"store_mode":   s.cfg.StoreMode(),
		"ui_available": s.hub.Available(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.cfg.StoreMode(),
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.hub.Presence())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondServiceError maps an orchestrator error kind to an HTTP status.
func respondServiceError(w http.ResponseWriter, err error) {
	kind := orchestrator.ErrorKindOf(err)
	respondError(w, statusForKind(kind), string(kind), err.Error())
}

func statusForKind(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindStateConflict:
		return http.StatusConflict
	case orchestrator.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func urlID(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

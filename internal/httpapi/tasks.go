package httpapi

import (
	"net/http"

	"github.com/ent0n29/humanloop/internal/orchestrator"
)

type taskCommentRequest struct {
	RevisedPart         string `json:"revisedPart"`
	RevisorInstructions string `json:"revisorInstructions"`
	Reopened            bool   `json:"reopened"`
}

type breakpointRequest struct {
	Breakpoint bool `json:"breakpoint"`
}

func (s *Server) handleListTaskLists(w http.ResponseWriter, r *http.Request) {
	var (
		lists any
		err   error
	)
	if r.URL.Query().Get("open") == "true" {
		lists, err = s.svc.Lists().GetOpenSessions(r.Context())
	} else {
		lists, err = s.svc.Lists().ListSessions(r.Context())
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lists": lists})
}

func (s *Server) handleGetTaskList(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Lists().GetSession(r.Context(), urlID(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteTaskList(w http.ResponseWriter, r *http.Request) {
	ok, err := s.svc.Lists().DeleteSession(r.Context(), urlID(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, string(orchestrator.KindNotFound), "task list not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddTaskComment(w http.ResponseWriter, r *http.Request) {
	var req taskCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c, err := s.svc.AddTaskComment(r.Context(), orchestrator.AddTaskCommentInput{
		ListID:              urlID(r, "id"),
		TaskID:              urlID(r, "taskId"),
		RevisedPart:         req.RevisedPart,
		RevisorInstructions: req.RevisorInstructions,
		Reopened:            req.Reopened,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

func (s *Server) handleEditTaskComment(w http.ResponseWriter, r *http.Request) {
	var req taskCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	c, err := s.svc.EditTaskComment(r.Context(), urlID(r, "id"), urlID(r, "taskId"), urlID(r, "commentId"), req.RevisorInstructions)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteTaskComment(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteTaskComment(r.Context(), urlID(r, "id"), urlID(r, "taskId"), urlID(r, "commentId")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetBreakpoint(w http.ResponseWriter, r *http.Request) {
	var req breakpointRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.SetTaskBreakpoint(r.Context(), urlID(r, "id"), urlID(r, "taskId"), req.Breakpoint); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

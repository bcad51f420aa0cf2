package httpapi

import (
	"errors"
	"net/http"

	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/orchestrator"
	"github.com/ent0n29/humanloop/internal/protocol"
	"github.com/ent0n29/humanloop/internal/review"
	"github.com/ent0n29/humanloop/internal/uibridge"
)

type answerQuestionRequest struct {
	Response    string   `json:"response"`
	Attachments []string `json:"attachments"`
}

type cancelQuestionRequest struct {
	Question string `json:"question"`
	Title    string `json:"title"`
	Reason   string `json:"reason"`
}

type reviewActionRequest struct {
	Action review.Action `json:"action"`
}

type reviewCommentRequest struct {
	Op                  string `json:"op"`
	Index               int    `json:"index"`
	RevisedPart         string `json:"revisedPart"`
	RevisorInstructions string `json:"revisorInstructions"`
}

type promptAnswerRequest struct {
	Text      string `json:"text"`
	Choice    string `json:"choice"`
	Dismissed bool   `json:"dismissed"`
}

func (s *Server) handleListQuestions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"questions": s.svc.Questions().Pending()})
}

func (s *Server) handleAnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var req answerQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.SubmitAnswer(urlID(r, "id"), req.Response, req.Attachments); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelQuestion(w http.ResponseWriter, r *http.Request) {
	var req cancelQuestionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.CancelQuestion(urlID(r, "id"), "", "", req.Reason); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancelQuestionByText serves clients that only know the question text.
func (s *Server) handleCancelQuestionByText(w http.ResponseWriter, r *http.Request) {
	var req cancelQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Question == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "question is required")
		return
	}
	if err := s.svc.CancelQuestion("", req.Question, req.Title, req.Reason); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectQuestion(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.SelectQuestion(urlID(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListReviews(w http.ResponseWriter, _ *http.Request) {
	views := s.svc.Reviews().List()
	for i := range views {
		views[i] = s.svc.ReviewPreview(views[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{"reviews": views})
}

// handleGetReview returns the full plan, unlike the list preview.
func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	view, ok := s.svc.Reviews().Get(urlID(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, string(orchestrator.KindNotFound), "no open review")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleReviewAction(w http.ResponseWriter, r *http.Request) {
	var req reviewActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.svc.ReviewAction(urlID(r, "id"), req.Action)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleReviewComment(w http.ResponseWriter, r *http.Request) {
	var req reviewCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	view, err := s.svc.ReviewComment(urlID(r, "id"), orchestrator.CommentOp(req.Op), req.Index, interactions.RevisionComment{
		RevisedPart:         req.RevisedPart,
		RevisorInstructions: req.RevisorInstructions,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleReviewPanelClosed(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ReviewPanelClosed(urlID(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReviewReopen(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.ReopenPendingReview(r.Context(), urlID(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"prompts": s.hub.Prompts()})
}

func (s *Server) handleAnswerPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptAnswerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	err := s.hub.AnswerPrompt(protocol.PromptAnswer{
		Type:      protocol.TypePromptAnswer,
		ID:        urlID(r, "id"),
		Text:      req.Text,
		Choice:    req.Choice,
		Dismissed: req.Dismissed,
	})
	if errors.Is(err, uibridge.ErrPromptNotFound) {
		respondError(w, http.StatusNotFound, string(orchestrator.KindNotFound), err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

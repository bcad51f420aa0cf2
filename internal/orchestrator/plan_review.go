package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/humanloop/internal/idgen"
	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/review"
)

type PlanReviewInput struct {
	Plan     string `json:"plan"`
	Title    string `json:"title,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
	// ReviewID re-attaches to a review that is still waiting.
	ReviewID string `json:"reviewId,omitempty"`
}

type PlanReviewResult struct {
	Status            interactions.Status            `json:"status"`
	RequiredRevisions []interactions.RevisionComment `json:"requiredRevisions"`
	ReviewID          string                         `json:"reviewId"`
}

// PlanReview asks the human to approve a plan or request changes.
func (s *Service) PlanReview(ctx context.Context, in PlanReviewInput) (PlanReviewResult, error) {
	return s.runReview(ctx, in, interactions.ModeReview)
}

// WalkthroughReview presents a plan for step-by-step acknowledgement.
func (s *Service) WalkthroughReview(ctx context.Context, in PlanReviewInput) (PlanReviewResult, error) {
	return s.runReview(ctx, in, interactions.ModeWalkthrough)
}

func (s *Service) runReview(ctx context.Context, in PlanReviewInput, mode interactions.Mode) (PlanReviewResult, error) {
	in.ReviewID = strings.TrimSpace(in.ReviewID)
	if in.ReviewID != "" {
		if p, open := s.reviews.Lookup(in.ReviewID); open {
			started := s.now()
			if s.history != nil {
				if rec, err := s.history.Get(ctx, in.ReviewID); err == nil {
					started = rec.CreatedAt()
				}
			}
			return s.awaitReview(ctx, p, started)
		}
	}
	if strings.TrimSpace(in.Plan) == "" {
		return PlanReviewResult{}, validationf("plan is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "Plan Review"
		if mode == interactions.ModeWalkthrough {
			title = "Walkthrough"
		}
	}

	started := s.now()
	id := idgen.NewAt("review", started)
	s.record(ctx, interactions.Interaction{
		ID:        id,
		Type:      interactions.TypePlanReview,
		Timestamp: started.UnixMilli(),
		Title:     title,
		Plan:      in.Plan,
		Mode:      mode,
		ReadOnly:  in.ReadOnly,
		Status:    interactions.StatusPending,
	})

	p, _, err := s.reviews.Open(review.Options{
		ID:       id,
		Title:    title,
		Plan:     in.Plan,
		Mode:     mode,
		ReadOnly: in.ReadOnly,
	})
	if err != nil {
		return PlanReviewResult{}, classify(err)
	}
	s.presenter.NotifyRefresh("history")
	return s.awaitReview(ctx, p, started)
}

// awaitReview presents the review and blocks until it resolves. When ctx
// ends first the review is closed on the agent's behalf.
func (s *Service) awaitReview(ctx context.Context, p *review.Pending, started time.Time) (PlanReviewResult, error) {
	id := p.ID()
	if view, ok := s.reviews.Get(id); ok {
		s.presenter.ShowPlanReview(s.preview(view))
	}
	done := s.metrics.StartWait(string(interactions.TypePlanReview))
	defer done()

	res, err := p.Wait(ctx)
	if err != nil {
		closed, ok := s.reviews.CloseIfOpen(id)
		if ok {
			res = closed
			log.Printf("orchestrator: review %s closed because the agent stopped waiting", id)
		} else {
			// Resolved by the human while the agent was cancelling.
			res, _ = p.Wait(context.Background())
		}
	}

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	resolvedAt := s.now()
	status := res.Status
	s.update(pctx, id, interactions.Patch{
		Status:            &status,
		RequiredRevisions: nonNilRevisions(res.RequiredRevisions),
		ResolvedAt:        &resolvedAt,
	})
	kind := string(interactions.TypePlanReview)
	s.metrics.ObserveInteraction(kind, string(res.Status), resolvedAt.Sub(started))
	s.presenter.NotifyRefresh("history")

	return PlanReviewResult{
		Status:            res.Status,
		RequiredRevisions: nonNilRevisions(res.RequiredRevisions),
		ReviewID:          id,
	}, nil
}

// ReviewAction applies a human action to an open review.
func (s *Service) ReviewAction(id string, action review.Action) (review.Result, error) {
	res, err := s.reviews.Act(id, action)
	if err != nil {
		return review.Result{}, classify(err)
	}
	return res, nil
}

type CommentOp string

const (
	CommentAdd    CommentOp = "add"
	CommentEdit   CommentOp = "edit"
	CommentRemove CommentOp = "remove"
)

// ReviewComment edits the in-memory comments of an open review and pushes
// the new state to the UI.
func (s *Service) ReviewComment(id string, op CommentOp, index int, c interactions.RevisionComment) (review.View, error) {
	var (
		view review.View
		err  error
	)
	switch op {
	case CommentAdd:
		view, err = s.reviews.AddComment(id, c)
	case CommentEdit:
		view, err = s.reviews.EditComment(id, index, c)
	case CommentRemove:
		view, err = s.reviews.RemoveComment(id, index)
	default:
		return review.View{}, validationf("unknown comment op %q", op)
	}
	if err != nil {
		return review.View{}, classify(err)
	}
	s.presenter.ShowPlanReview(s.preview(view))
	return view, nil
}

// ReviewPanelClosed records that the human closed a review panel without
// acting. The agent keeps waiting.
func (s *Service) ReviewPanelClosed(id string) error {
	return classify(s.reviews.PanelClosed(id))
}

// ReopenPendingReview binds a new panel to a review the agent still waits on.
func (s *Service) ReopenPendingReview(ctx context.Context, id string) (review.View, error) {
	view, err := s.reviews.Reopen(id)
	if err != nil {
		if s.history != nil {
			if rec, gerr := s.history.Get(ctx, id); gerr == nil && rec.Status == interactions.StatusPending {
				return review.View{}, &ToolError{Kind: KindStateConflict, Msg: fmt.Sprintf("review %s is pending but no agent is waiting on it", id)}
			}
		}
		return review.View{}, classify(err)
	}
	s.presenter.ShowPlanReview(s.preview(view))
	return view, nil
}

// preview shortens the plan shown in rich previews. Persisted records keep
// the full plan.
func (s *Service) preview(view review.View) review.View {
	view.Plan = truncatePreview(view.Plan, s.cfg.PreviewMaxChars)
	return view
}

func truncatePreview(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	rest := len(runes) - limit
	return string(runes[:limit]) + fmt.Sprintf("\n\n... (%d more characters)", rest)
}

func nonNilRevisions(in []interactions.RevisionComment) []interactions.RevisionComment {
	if in == nil {
		return []interactions.RevisionComment{}
	}
	return in
}

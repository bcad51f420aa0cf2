package orchestrator

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/humanloop/internal/askuser"
	"github.com/ent0n29/humanloop/internal/idgen"
	"github.com/ent0n29/humanloop/internal/interactions"
)

type AskUserInput struct {
	Question  string `json:"question"`
	Title     string `json:"title,omitempty"`
	AgentName string `json:"agentName,omitempty"`
}

type AskUserResult struct {
	Responded   bool     `json:"responded"`
	Response    string   `json:"response"`
	Attachments []string `json:"attachments"`
}

// AskUser shows a question to the human and blocks until it is answered,
// dismissed, or ctx is cancelled. Cancellation is a normal unanswered result.
func (s *Service) AskUser(ctx context.Context, in AskUserInput) (AskUserResult, error) {
	in.Question = strings.TrimSpace(in.Question)
	in.Title = strings.TrimSpace(in.Title)
	in.AgentName = strings.TrimSpace(in.AgentName)
	if in.Question == "" {
		return AskUserResult{}, validationf("question is required")
	}
	started := s.now()

	if !s.presenter.Available() && s.cfg.DialogFallback && s.prompter != nil && s.prompter.Available() {
		return s.askViaPrompter(ctx, in)
	}

	p, err := s.questions.Register(askuser.Request{
		Question:  in.Question,
		Title:     in.Title,
		AgentName: in.AgentName,
		CreatedAt: started,
	})
	if err != nil {
		return AskUserResult{}, validationf("%v", err)
	}
	done := s.metrics.StartWait(string(interactions.TypeAskUser))
	defer done()
	s.presenter.ShowQuestion(p.Request)

	resp, waitErr := p.Wait(ctx)
	reason := "answered"
	if !resp.Responded {
		reason = resp.Reason
		if reason == "" {
			reason = "cancelled"
		}
	}
	s.presenter.DismissQuestion(p.ID, reason)
	if waitErr != nil {
		log.Printf("orchestrator: ask_user %s cancelled by agent: %v", p.ID, waitErr)
	}

	return s.finishAsk(ctx, p.ID, in, resp, started), nil
}

func (s *Service) askViaPrompter(ctx context.Context, in AskUserInput) (AskUserResult, error) {
	started := s.now()
	id := idgen.NewAt("ask", started)
	s.metrics.CountEvent("dialog_fallback")
	resp, err := s.prompter.Ask(ctx, askuser.Request{
		ID:        id,
		Question:  in.Question,
		Title:     in.Title,
		AgentName: in.AgentName,
		CreatedAt: started,
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("orchestrator: dialog fallback failed: %v", err)
	}
	if err != nil {
		resp = askuser.Response{Responded: false, Attachments: []string{}}
	}
	return s.finishAsk(ctx, id, in, resp, started), nil
}

func (s *Service) finishAsk(ctx context.Context, id string, in AskUserInput, resp askuser.Response, started time.Time) AskUserResult {
	attachments := resp.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	s.record(pctx, interactions.Interaction{
		ID:          id,
		Type:        interactions.TypeAskUser,
		Timestamp:   started.UnixMilli(),
		Title:       in.Title,
		Question:    in.Question,
		AgentName:   in.AgentName,
		Response:    resp.Response,
		Attachments: attachments,
		Cancelled:   !resp.Responded,
	})

	outcome := "responded"
	if !resp.Responded {
		outcome = "cancelled"
	}
	s.metrics.ObserveInteraction(string(interactions.TypeAskUser), outcome, s.now().Sub(started))
	s.presenter.NotifyRefresh("history")

	return AskUserResult{
		Responded:   resp.Responded,
		Response:    resp.Response,
		Attachments: attachments,
	}
}

// SubmitAnswer delivers the human's answer to the waiting ask_user call.
func (s *Service) SubmitAnswer(id, response string, attachments []string) error {
	if err := s.questions.Submit(id, response, attachments); err != nil {
		return classify(err)
	}
	return nil
}

// CancelQuestion dismisses a pending question. When the id is missing or
// stale the oldest question with the same text and title is cancelled.
func (s *Service) CancelQuestion(id, question, title, reason string) error {
	if reason == "" {
		reason = "dismissed by user"
	}
	if id != "" && s.questions.Cancel(id, reason) {
		return nil
	}
	if strings.TrimSpace(question) == "" {
		return classify(askuser.ErrNotFound)
	}
	if _, ok := s.questions.CancelMatching(question, title, reason); !ok {
		return classify(askuser.ErrNotFound)
	}
	return nil
}

func (s *Service) SelectQuestion(id string) error {
	return classify(s.questions.Select(id))
}

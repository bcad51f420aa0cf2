// Package orchestrator implements the agent tools. Each tool validates its
// input, hands the request to the human through a Presenter, waits, persists
// the outcome and shapes the result returned to the agent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ent0n29/humanloop/internal/askuser"
	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/observability"
	"github.com/ent0n29/humanloop/internal/review"
	"github.com/ent0n29/humanloop/internal/tasklist"
)

// Presenter is the human side of every interaction.
type Presenter interface {
	// Available reports whether a UI is attached to receive requests.
	Available() bool
	ShowQuestion(req askuser.Request)
	DismissQuestion(id, reason string)
	// ShowPlanReview may be called several times for the same review id.
	ShowPlanReview(view review.View)
	ShowTaskList(sess tasklist.Session)
	// RequestBreakpointInstruction asks for a one-off instruction before a
	// task starts. ok is false when the human closed the prompt.
	RequestBreakpointInstruction(ctx context.Context, listID string, task tasklist.TaskItem) (instruction string, ok bool, err error)
	// RequestDisambiguation asks the human to pick one of several task lists.
	RequestDisambiguation(ctx context.Context, candidates []Candidate) (string, error)
	NotifyRefresh(reason string)
}

// Prompter answers questions without the UI, for example on a terminal.
type Prompter interface {
	Available() bool
	Ask(ctx context.Context, req askuser.Request) (askuser.Response, error)
}

// Candidate is a task list offered for disambiguation.
type Candidate struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Completed    int       `json:"completed"`
	Total        int       `json:"total"`
	LastActivity time.Time `json:"lastActivity"`
}

// InteractionHook observes every persisted interaction change.
type InteractionHook func(ctx context.Context, rec interactions.Interaction) error

type Hooks struct {
	OnInteraction []InteractionHook
}

type Config struct {
	PreviewMaxChars int
	WorkspaceRoot   string
	// DialogFallback enables the Prompter when no UI is attached.
	DialogFallback bool
}

type Service struct {
	cfg       Config
	history   *interactions.Store
	lists     *tasklist.Store
	questions *askuser.Registry
	reviews   *review.Manager
	presenter Presenter
	prompter  Prompter
	metrics   *observability.Metrics
	hooks     Hooks
	now       func() time.Time
}

type Deps struct {
	History   *interactions.Store
	Lists     *tasklist.Store
	Questions *askuser.Registry
	Reviews   *review.Manager
	Presenter Presenter
	Prompter  Prompter
	Metrics   *observability.Metrics
	Hooks     Hooks
}

func New(cfg Config, deps Deps) *Service {
	if cfg.PreviewMaxChars <= 0 {
		cfg.PreviewMaxChars = 4000
	}
	if deps.Questions == nil {
		deps.Questions = askuser.NewRegistry()
	}
	if deps.Reviews == nil {
		deps.Reviews = review.NewManager()
	}
	if deps.Presenter == nil {
		deps.Presenter = nopPresenter{}
	}
	return &Service{
		cfg:       cfg,
		history:   deps.History,
		lists:     deps.Lists,
		questions: deps.Questions,
		reviews:   deps.Reviews,
		presenter: deps.Presenter,
		prompter:  deps.Prompter,
		metrics:   deps.Metrics,
		hooks:     deps.Hooks,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPresenter replaces the presenter. It is used when the presenter itself
// depends on the service.
func (s *Service) SetPresenter(p Presenter) {
	if p == nil {
		p = nopPresenter{}
	}
	s.presenter = p
}

func (s *Service) Questions() *askuser.Registry { return s.questions }
func (s *Service) Reviews() *review.Manager { return s.reviews }
func (s *Service) History() *interactions.Store { return s.history }
func (s *Service) Lists() *tasklist.Store { return s.lists }

// ReviewPreview shortens the plan of view the way it is shown to the UI.
func (s *Service) ReviewPreview(view review.View) review.View { return s.preview(view) }

// ExportInteraction writes a plan review as Markdown under the workspace
// root and returns the written path.
func (s *Service) ExportInteraction(ctx context.Context, id, path string) (string, error) {
	if s.history == nil {
		return "", &ToolError{Kind: KindPersistence, Msg: "history is not configured"}
	}
	out, err := s.history.ExportToFile(ctx, id, path, s.cfg.WorkspaceRoot)
	if err != nil {
		return "", classify(err)
	}
	return out, nil
}

type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindStateConflict ErrorKind = "state_conflict"
	KindPersistence   ErrorKind = "persistence"
	KindCancelled     ErrorKind = "cancelled"
)

// ToolError is a failure reported to the agent as a result, not a fault.
type ToolError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *ToolError) Unwrap() error { return e.Err }

func validationf(format string, args ...any) error {
	return &ToolError{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// classify maps store sentinels onto tool error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return err
	}
	switch {
	case errors.Is(err, tasklist.ErrSessionNotFound),
		errors.Is(err, tasklist.ErrTaskNotFound),
		errors.Is(err, tasklist.ErrCommentNotFound),
		errors.Is(err, interactions.ErrNotFound),
		errors.Is(err, review.ErrNotFound),
		errors.Is(err, askuser.ErrNotFound):
		return &ToolError{Kind: KindNotFound, Msg: err.Error(), Err: err}
	case errors.Is(err, tasklist.ErrSessionClosed),
		errors.Is(err, tasklist.ErrCommentSent),
		errors.Is(err, review.ErrCommentsRequired),
		errors.Is(err, review.ErrReadOnly):
		return &ToolError{Kind: KindStateConflict, Msg: err.Error(), Err: err}
	case errors.Is(err, tasklist.ErrInvalidStatus),
		errors.Is(err, review.ErrBadCommentIndex),
		errors.Is(err, review.ErrInvalid),
		errors.Is(err, interactions.ErrNotPlanReview),
		errors.Is(err, interactions.ErrNoPlanContent),
		errors.Is(err, interactions.ErrNoDestination):
		return &ToolError{Kind: KindValidation, Msg: err.Error(), Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Kind: KindCancelled, Msg: "request cancelled", Err: err}
	default:
		return &ToolError{Kind: KindPersistence, Msg: err.Error(), Err: err}
	}
}

// ErrorKindOf returns the kind of a ToolError, or KindPersistence.
func ErrorKindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(classify(err), &te) {
		return te.Kind
	}
	return KindPersistence
}

// record persists rec and runs the interaction hooks. Persistence failures
// are logged and shown to the human; they never fail the tool call.
func (s *Service) record(ctx context.Context, rec interactions.Interaction) {
	if s.history != nil {
		if err := s.history.Save(ctx, rec); err != nil {
			log.Printf("orchestrator: save interaction %s failed: %v", rec.ID, err)
			s.presenter.NotifyRefresh("persistence_error")
			return
		}
	}
	s.runHooks(ctx, rec)
}

func (s *Service) update(ctx context.Context, id string, patch interactions.Patch) {
	if s.history == nil {
		return
	}
	ok, err := s.history.Update(ctx, id, patch)
	if err != nil {
		log.Printf("orchestrator: update interaction %s failed: %v", id, err)
		s.presenter.NotifyRefresh("persistence_error")
		return
	}
	if !ok {
		log.Printf("orchestrator: interaction %s vanished before update", id)
		return
	}
	rec, err := s.history.Get(ctx, id)
	if err != nil {
		return
	}
	s.runHooks(ctx, rec)
}

func (s *Service) runHooks(ctx context.Context, rec interactions.Interaction) {
	for i, hook := range s.hooks.OnInteraction {
		if hook == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("orchestrator: interaction hook %d panicked: %v", i, r)
				}
			}()
			if err := hook(ctx, rec); err != nil {
				log.Printf("orchestrator: interaction hook %d failed: %v", i, err)
			}
		}()
	}
}

// persistCtx detaches persistence from a cancelled tool call so the outcome
// is still written.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

type nopPresenter struct{}

func (nopPresenter) Available() bool { return false }
func (nopPresenter) ShowQuestion(askuser.Request) {}
func (nopPresenter) DismissQuestion(string, string) {}
func (nopPresenter) ShowPlanReview(review.View) {}
func (nopPresenter) ShowTaskList(tasklist.Session) {}
func (nopPresenter) NotifyRefresh(string) {}
func (nopPresenter) RequestBreakpointInstruction(context.Context, string, tasklist.TaskItem) (string, bool, error) {
	return "", false, nil
}
func (nopPresenter) RequestDisambiguation(context.Context, []Candidate) (string, error) {
	return "", errors.New("no UI attached to choose a task list")
}

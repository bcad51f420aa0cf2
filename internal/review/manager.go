// Package review holds the plan and walkthrough reviews the agent is waiting
// on. Each review owns one resolver that survives the UI panel being closed
// and reopened.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/humanloop/internal/interactions"
)

var (
	ErrNotFound         = errors.New("no open review")
	ErrCommentsRequired = errors.New("requesting changes needs at least one comment")
	ErrReadOnly         = errors.New("review is read-only")
	ErrBadCommentIndex  = errors.New("comment index out of range")
	ErrInvalid          = errors.New("invalid review request")
)

type Action string

const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionAcknowledge Action = "acknowledge"
	ActionClose       Action = "close"
	// ActionClosed is reported when the agent side gave up waiting.
	ActionClosed Action = "closed"
)

// Result is what the waiting tool call receives.
type Result struct {
	Action            Action                         `json:"action"`
	Approved          bool                           `json:"approved"`
	Status            interactions.Status            `json:"status"`
	RequiredRevisions []interactions.RevisionComment `json:"requiredRevisions"`
}

// Options describe a review to open.
type Options struct {
	ID       string
	Title    string
	Plan     string
	Mode     interactions.Mode
	ReadOnly bool
	Comments []interactions.RevisionComment
}

// View is a snapshot of an open review for presentation.
type View struct {
	ID        string                         `json:"id"`
	Title     string                         `json:"title"`
	Plan      string                         `json:"plan"`
	Mode      interactions.Mode              `json:"mode"`
	ReadOnly  bool                           `json:"readOnly"`
	Comments  []interactions.RevisionComment `json:"comments"`
	PanelOpen bool                           `json:"panelOpen"`
	OpenedAt  time.Time                      `json:"openedAt"`
}

// Pending is a one-shot future for a review result. Any number of goroutines
// may Wait on it; it resolves once.
type Pending struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result Result
}

func (p *Pending) ID() string { return p.id }

// Wait returns the result once the review resolves, or ctx.Err().
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed when the review resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		p.result = r
		close(p.done)
		resolved = true
	})
	return resolved
}

type session struct {
	view    View
	pending *Pending
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	onChange func(View, bool)
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*session)}
}

// OnChange registers fn to run after comments change or a review is resolved.
// The bool is true when the review is gone.
func (m *Manager) OnChange(fn func(View, bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Open registers a review, or returns the resolver already registered for
// the same id. The second return value reports reuse.
func (m *Manager) Open(opts Options) (*Pending, bool, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, false, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	mode := opts.Mode
	if mode == "" {
		mode = interactions.ModeReview
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.view.PanelOpen = true
		return s.pending, true, nil
	}
	comments := append([]interactions.RevisionComment{}, opts.Comments...)
	m.sessions[id] = &session{
		view: View{
			ID:        id,
			Title:     strings.TrimSpace(opts.Title),
			Plan:      opts.Plan,
			Mode:      mode,
			ReadOnly:  opts.ReadOnly,
			Comments:  comments,
			PanelOpen: true,
			OpenedAt:  time.Now().UTC(),
		},
		pending: &Pending{id: id, done: make(chan struct{})},
	}
	return m.sessions[id].pending, false, nil
}

// Lookup returns the resolver of the open review id without touching it.
func (m *Manager) Lookup(id string) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.pending, true
}

// Approve resolves the review as approved.
func (m *Manager) Approve(id string) (Result, error) {
	return m.finish(id, ActionApprove)
}

// Reject asks the agent to recreate the plan. Review mode needs at least one
// comment; the review stays open when it has none.
func (m *Manager) Reject(id string) (Result, error) {
	return m.finish(id, ActionReject)
}

func (m *Manager) Acknowledge(id string) (Result, error) {
	return m.finish(id, ActionAcknowledge)
}

// Close resolves the review as done without approval or changes.
func (m *Manager) Close(id string) (Result, error) {
	return m.finish(id, ActionClose)
}

// Act dispatches a UI action name.
func (m *Manager) Act(id string, action Action) (Result, error) {
	switch action {
	case ActionApprove, ActionReject, ActionAcknowledge, ActionClose:
		return m.finish(id, action)
	default:
		return Result{}, fmt.Errorf("%w: unknown action %q", ErrInvalid, action)
	}
}

func (m *Manager) finish(id string, action Action) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Result{}, ErrNotFound
	}
	if s.view.ReadOnly && (action == ActionApprove || action == ActionReject) {
		m.mu.Unlock()
		return Result{}, ErrReadOnly
	}
	if action == ActionReject && s.view.Mode == interactions.ModeReview && len(s.view.Comments) == 0 {
		m.mu.Unlock()
		return Result{}, ErrCommentsRequired
	}
	res := Result{
		Action:            action,
		RequiredRevisions: append([]interactions.RevisionComment{}, s.view.Comments...),
	}
	switch action {
	case ActionApprove:
		res.Approved = true
		res.Status = interactions.StatusApproved
	case ActionReject:
		res.Status = interactions.StatusRecreateWithChanges
	case ActionAcknowledge:
		res.Status = interactions.StatusAcknowledged
	default:
		res.Status = interactions.StatusClosed
	}
	delete(m.sessions, id)
	view := s.view
	fn := m.onChange
	m.mu.Unlock()

	s.pending.resolve(res)
	if fn != nil {
		fn(view, true)
	}
	return res, nil
}

// PanelClosed records that the human closed the panel without acting. The
// review stays registered and the agent keeps waiting.
func (m *Manager) PanelClosed(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.view.PanelOpen = false
	return nil
}

// Reopen marks the panel open again and returns the review to present. The
// resolver is unchanged.
func (m *Manager) Reopen(id string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return View{}, ErrNotFound
	}
	s.view.PanelOpen = true
	return cloneView(s.view), nil
}

// CloseIfOpen resolves the review because the agent stopped waiting. It
// reports false when the review was already resolved.
func (m *Manager) CloseIfOpen(id string) (Result, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Result{}, false
	}
	delete(m.sessions, id)
	view := s.view
	fn := m.onChange
	m.mu.Unlock()

	res := Result{
		Action:            ActionClosed,
		Approved:          false,
		Status:            interactions.StatusCancelled,
		RequiredRevisions: append([]interactions.RevisionComment{}, view.Comments...),
	}
	if !s.pending.resolve(res) {
		return Result{}, false
	}
	if fn != nil {
		fn(view, true)
	}
	return res, true
}

// AddComment appends a revision comment to an open review.
func (m *Manager) AddComment(id string, c interactions.RevisionComment) (View, error) {
	return m.editComments(id, func(comments []interactions.RevisionComment) ([]interactions.RevisionComment, error) {
		if strings.TrimSpace(c.RevisorInstructions) == "" {
			return nil, fmt.Errorf("%w: comment instructions are required", ErrInvalid)
		}
		return append(comments, c), nil
	})
}

// EditComment replaces the comment at index.
func (m *Manager) EditComment(id string, index int, c interactions.RevisionComment) (View, error) {
	return m.editComments(id, func(comments []interactions.RevisionComment) ([]interactions.RevisionComment, error) {
		if index < 0 || index >= len(comments) {
			return nil, ErrBadCommentIndex
		}
		comments[index] = c
		return comments, nil
	})
}

// RemoveComment deletes the comment at index.
func (m *Manager) RemoveComment(id string, index int) (View, error) {
	return m.editComments(id, func(comments []interactions.RevisionComment) ([]interactions.RevisionComment, error) {
		if index < 0 || index >= len(comments) {
			return nil, ErrBadCommentIndex
		}
		return append(comments[:index], comments[index+1:]...), nil
	})
}

func (m *Manager) editComments(id string, fn func([]interactions.RevisionComment) ([]interactions.RevisionComment, error)) (View, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrNotFound
	}
	if s.view.ReadOnly {
		m.mu.Unlock()
		return View{}, ErrReadOnly
	}
	next, err := fn(append([]interactions.RevisionComment{}, s.view.Comments...))
	if err != nil {
		m.mu.Unlock()
		return View{}, err
	}
	s.view.Comments = next
	view := cloneView(s.view)
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(view, false)
	}
	return view, nil
}

// Get returns the open review id.
func (m *Manager) Get(id string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return View{}, false
	}
	return cloneView(s.view), true
}

// List returns the open reviews, oldest first.
func (m *Manager) List() []View {
	m.mu.Lock()
	out := make([]View, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, cloneView(s.view))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func cloneView(v View) View {
	v.Comments = append([]interactions.RevisionComment{}, v.Comments...)
	return v
}

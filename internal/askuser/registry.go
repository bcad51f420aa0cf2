// Package askuser tracks ask_user questions waiting for a human answer.
package askuser

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/humanloop/internal/idgen"
)

var (
	ErrNotFound    = errors.New("no pending question")
	ErrDuplicateID = errors.New("question id already pending")
)

// Request is a question shown to the human.
type Request struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Title     string    `json:"title,omitempty"`
	AgentName string    `json:"agentName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Selected  bool      `json:"selected"`
}

// Response is the outcome handed back to the waiting tool call.
type Response struct {
	Responded   bool     `json:"responded"`
	Response    string   `json:"response"`
	Attachments []string `json:"attachments"`
	// Reason is set when the question was cancelled.
	Reason string `json:"-"`
}

type entry struct {
	req  Request
	seq  int
	done chan Response
}

// Pending is the waiter side of a registered question.
type Pending struct {
	Request
	r    *Registry
	done chan Response
}

// Registry maps question ids to the single waiter of each question. An entry
// is removed the moment it resolves.
type Registry struct {
	mu       sync.Mutex
	pending  map[string]*entry
	selected string
	seq      int
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*entry)}
}

// Register adds a question. An empty ID gets a generated one.
func (r *Registry) Register(req Request) (*Pending, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, errors.New("question is required")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = idgen.NewAt("ask", req.CreatedAt)
	}
	req.Selected = false

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[req.ID]; exists {
		return nil, ErrDuplicateID
	}
	r.seq++
	e := &entry{req: req, seq: r.seq, done: make(chan Response, 1)}
	r.pending[req.ID] = e
	return &Pending{Request: req, r: r, done: e.done}, nil
}

// Wait blocks until the question is answered or cancelled, or ctx ends.
// When ctx ends the entry is cancelled so the UI stops offering it, and the
// returned error is ctx.Err().
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case resp := <-p.done:
		return resp, nil
	case <-ctx.Done():
		p.r.Cancel(p.ID, "agent cancelled")
		// A submit may have won the race with cancellation.
		select {
		case resp := <-p.done:
			if resp.Responded {
				return resp, nil
			}
		default:
		}
		return Response{Responded: false, Attachments: []string{}, Reason: "agent cancelled"}, ctx.Err()
	}
}

// Submit answers the question id.
func (r *Registry) Submit(id, response string, attachments []string) error {
	if attachments == nil {
		attachments = []string{}
	}
	return r.resolve(id, Response{
		Responded:   true,
		Response:    response,
		Attachments: append([]string(nil), attachments...),
	})
}

// Cancel resolves the question id as not answered. It reports whether an
// entry was pending.
func (r *Registry) Cancel(id, reason string) bool {
	return r.resolve(id, Response{Responded: false, Attachments: []string{}, Reason: reason}) == nil
}

// CancelMatching cancels the oldest pending question with the same text and
// title. It is for callers that lost the id; callers holding an id use Cancel.
func (r *Registry) CancelMatching(question, title, reason string) (string, bool) {
	question = strings.TrimSpace(question)
	title = strings.TrimSpace(title)

	r.mu.Lock()
	var match *entry
	for _, e := range r.pending {
		if e.req.Question != question || strings.TrimSpace(e.req.Title) != title {
			continue
		}
		if match == nil || e.seq < match.seq {
			match = e
		}
	}
	r.mu.Unlock()
	if match == nil {
		return "", false
	}
	return match.req.ID, r.Cancel(match.req.ID, reason)
}

func (r *Registry) resolve(id string, resp Response) error {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		if r.selected == id {
			r.selected = ""
		}
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.done <- resp
	return nil
}

// Select marks id as the question the human is looking at.
func (r *Registry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return ErrNotFound
	}
	r.selected = id
	return nil
}

// Get returns the pending question id.
func (r *Registry) Get(id string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[id]
	if !ok {
		return Request{}, false
	}
	req := e.req
	req.Selected = id == r.selected
	return req, true
}

// Pending lists open questions, the selected one first and the rest in
// creation order.
func (r *Registry) Pending() []Request {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.pending))
	for _, e := range r.pending {
		entries = append(entries, e)
	}
	selected := r.selected
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		si, sj := entries[i].req.ID == selected, entries[j].req.ID == selected
		if si != sj {
			return si
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]Request, 0, len(entries))
	for _, e := range entries {
		req := e.req
		req.Selected = req.ID == selected
		out = append(out, req)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

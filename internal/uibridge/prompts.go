package uibridge

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/humanloop/internal/idgen"
	"github.com/ent0n29/humanloop/internal/protocol"
)

var (
	ErrPromptNotFound  = errors.New("prompt not found")
	ErrPromptDismissed = errors.New("prompt dismissed")
	ErrNoUI            = errors.New("no UI attached")
)

type promptAnswer struct {
	text      string
	choice    string
	dismissed bool
	reason    string
}

type promptEntry struct {
	prompt protocol.Prompt
	ch     chan promptAnswer
}

// promptTable holds short prompts raised on behalf of blocked tool calls.
// Each prompt resolves exactly once.
type promptTable struct {
	mu      sync.Mutex
	entries map[string]*promptEntry
}

func newPromptTable() *promptTable {
	return &promptTable{entries: make(map[string]*promptEntry)}
}

func (t *promptTable) open(p protocol.Prompt) *promptEntry {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ID == "" {
		p.ID = idgen.NewAt("prompt", p.CreatedAt)
	}
	e := &promptEntry{prompt: p, ch: make(chan promptAnswer, 1)}
	t.mu.Lock()
	t.entries[p.ID] = e
	t.mu.Unlock()
	return e
}

func (t *promptTable) resolve(id string, ans promptAnswer) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return ErrPromptNotFound
	}
	e.ch <- ans
	return nil
}

// wait blocks until the prompt is answered or ctx ends. On ctx end the
// prompt is removed; an answer that raced in is still returned.
func (t *promptTable) wait(ctx context.Context, e *promptEntry) (promptAnswer, error) {
	select {
	case ans := <-e.ch:
		return ans, nil
	case <-ctx.Done():
		if err := t.resolve(e.prompt.ID, promptAnswer{dismissed: true, reason: "cancelled"}); err != nil {
			// Already resolved by the UI.
			return <-e.ch, nil
		}
		<-e.ch
		return promptAnswer{dismissed: true, reason: "cancelled"}, ctx.Err()
	}
}

func (t *promptTable) list() []protocol.Prompt {
	t.mu.Lock()
	out := make([]protocol.Prompt, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.prompt)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *promptTable) dismissAll(reason string) []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		_ = t.resolve(id, promptAnswer{dismissed: true, reason: reason})
	}
	return ids
}

func answerFrom(msg protocol.PromptAnswer) promptAnswer {
	return promptAnswer{
		text:      strings.TrimSpace(msg.Text),
		choice:    strings.TrimSpace(msg.Choice),
		dismissed: msg.Dismissed,
		reason:    "dismissed by user",
	}
}

package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("vscode", "Code/1.90")
	if c.ID == "" {
		t.Fatalf("client ID should not be empty")
	}

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "vscode" || got.Status != StatusActive {
		t.Fatalf("unexpected client state: %+v", got)
	}

	ended, err := m.End(c.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Get(c.ID); err != ErrNotFound {
		t.Fatalf("Get() after End error = %v, want ErrNotFound", err)
	}
}

func TestManagerTouchCountsInbound(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Create("", "")
	if c.Name != "ui" {
		t.Fatalf("Name = %q, want ui", c.Name)
	}
	_ = m.Touch(c.ID, true)
	_ = m.Touch(c.ID, false)

	got, err := m.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.MessagesIn != 1 {
		t.Fatalf("MessagesIn = %d, want 1", got.MessagesIn)
	}
	if err := m.Touch("missing", true); err != ErrNotFound {
		t.Fatalf("Touch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerChangeHookTracksPresence(t *testing.T) {
	m := NewManager(time.Minute)
	var last atomic.Int64
	m.SetChangeHook(func(active int) { last.Store(int64(active)) })

	a := m.Create("a", "")
	m.Create("b", "")
	if last.Load() != 2 {
		t.Fatalf("active = %d, want 2", last.Load())
	}
	_, _ = m.End(a.ID)
	if last.Load() != 1 {
		t.Fatalf("active = %d, want 1", last.Load())
	}
	p := m.Presence()
	if !p.Available || p.ActiveClients != 1 || p.Clients[0].Name != "b" {
		t.Fatalf("unexpected presence: %+v", p)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	c := m.Create("browser", "")
	expired := make(chan string, 1)
	m.SetExpireHook(func(c *Client) { expired <- c.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != c.ID {
			t.Fatalf("expired %q, want %q", id, c.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("client was not expired")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

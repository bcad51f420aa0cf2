package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("ui client not found")

// Client is one connected UI surface (browser tab, editor panel).
type Client struct {
	ID             string    `json:"clientId"`
	Name           string    `json:"name"`
	UserAgent      string    `json:"userAgent,omitempty"`
	Status         Status    `json:"status"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	MessagesIn     int       `json:"messagesIn"`
}

// Manager tracks UI client presence. A client that stops sending
// heartbeats for longer than the inactivity timeout is ended by the janitor.
type Manager struct {
	mu                sync.RWMutex
	clients           map[string]*Client
	inactivityTimeout time.Duration
	onExpire          func(*Client)
	onChange          func(active int)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		clients:           make(map[string]*Client),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Client)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetChangeHook is called with the active count whenever a client connects
// or ends.
func (m *Manager) SetChangeHook(hook func(active int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = hook
}

func (m *Manager) Create(name, userAgent string) *Client {
	now := time.Now().UTC()
	if name == "" {
		name = "ui"
	}
	c := &Client{
		ID:             uuid.NewString(),
		Name:           name,
		UserAgent:      userAgent,
		Status:         StatusActive,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.clients[c.ID] = c
	out := clone(c)
	hook, active := m.onChange, m.activeLocked()
	m.mu.Unlock()

	if hook != nil {
		hook(active)
	}
	return out
}

func (m *Manager) Get(clientID string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// Touch records client activity. Inbound messages also bump MessagesIn.
func (m *Manager) Touch(clientID string, inbound bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	if inbound {
		c.MessagesIn++
	}
	return nil
}

// End marks the client ended and forgets it.
func (m *Manager) End(clientID string) (*Client, error) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	c.Status = StatusEnded
	c.LastActivityAt = time.Now().UTC()
	delete(m.clients, clientID)
	out := clone(c)
	hook, active := m.onChange, m.activeLocked()
	m.mu.Unlock()

	if hook != nil {
		hook(active)
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

// List returns active clients, oldest connection first.
func (m *Manager) List() []Client {
	m.mu.RLock()
	out := make([]Client, 0, len(m.clients))
	for _, c := range m.clients {
		if c.Status == StatusActive {
			out = append(out, *c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (m *Manager) activeLocked() int {
	count := 0
	for _, c := range m.clients {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Client

	m.mu.Lock()
	for id, c := range m.clients {
		if c.Status != StatusActive {
			continue
		}
		if now.Sub(c.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		c.Status = StatusEnded
		c.LastActivityAt = now
		expired = append(expired, clone(c))
		delete(m.clients, id)
	}
	hook, change, active := m.onExpire, m.onChange, m.activeLocked()
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
	if change != nil && len(expired) > 0 {
		change(active)
	}
}

func clone(c *Client) *Client {
	out := *c
	return &out
}

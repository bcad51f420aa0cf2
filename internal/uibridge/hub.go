// Package uibridge connects UI clients over WebSocket and presents agent
// requests to them. Hub implements orchestrator.Presenter.
package uibridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/humanloop/internal/askuser"
	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/observability"
	"github.com/ent0n29/humanloop/internal/orchestrator"
	"github.com/ent0n29/humanloop/internal/protocol"
	"github.com/ent0n29/humanloop/internal/review"
	"github.com/ent0n29/humanloop/internal/session"
	"github.com/ent0n29/humanloop/internal/tasklist"
)

const (
	outboundQueue = 256
	readTimeout   = 120 * time.Second
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second

	uiGoneReason = "ui disconnected"
)

type Options struct {
	AllowAnyOrigin bool
}

type client struct {
	id       string
	conn     *websocket.Conn
	outbound chan any
	cancel   context.CancelFunc
}

type Hub struct {
	svc      *orchestrator.Service
	clients  *session.Manager
	metrics  *observability.Metrics
	prompts  *promptTable
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*client
}

func NewHub(svc *orchestrator.Service, clients *session.Manager, metrics *observability.Metrics, opts Options) *Hub {
	h := &Hub{
		svc:     svc,
		clients: clients,
		metrics: metrics,
		prompts: newPromptTable(),
		conns:   make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Editor extensions and CLIs omit Origin.
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			switch u.Scheme {
			case "http", "https", "vscode-webview":
			default:
				return false
			}
			return u.Scheme == "vscode-webview" || strings.EqualFold(u.Host, r.Host)
		},
	}
	clients.SetChangeHook(func(active int) { metrics.SetUIClients(active) })
	clients.SetExpireHook(func(c *session.Client) {
		log.Printf("uibridge: client %s expired after inactivity", c.ID)
		h.drop(c.ID)
	})
	svc.Reviews().OnChange(func(view review.View, gone bool) {
		if gone {
			h.broadcast(protocol.ReviewClosed{Type: protocol.TypeReviewClosed, ID: view.ID})
		}
	})
	return h
}

// Available reports whether at least one UI client is connected.
func (h *Hub) Available() bool {
	return h.clients.ActiveCount() > 0
}

func (h *Hub) ShowQuestion(req askuser.Request) {
	h.broadcast(protocol.QuestionShown{Type: protocol.TypeQuestionShown, Question: req})
}

func (h *Hub) DismissQuestion(id, reason string) {
	h.broadcast(protocol.QuestionDismissed{Type: protocol.TypeQuestionDismissed, ID: id, Reason: reason})
}

func (h *Hub) ShowPlanReview(view review.View) {
	h.broadcast(protocol.ReviewShown{Type: protocol.TypeReviewShown, Review: view})
}

func (h *Hub) ShowTaskList(sess tasklist.Session) {
	h.broadcast(protocol.TaskListUpdated{Type: protocol.TypeTaskListUpdated, List: sess})
}

func (h *Hub) NotifyRefresh(reason string) {
	h.broadcast(protocol.Refresh{Type: protocol.TypeRefresh, Reason: reason})
}

// RequestBreakpointInstruction raises a breakpoint prompt and waits for it.
// Without a UI the task proceeds with no instruction.
func (h *Hub) RequestBreakpointInstruction(ctx context.Context, listID string, task tasklist.TaskItem) (string, bool, error) {
	if !h.Available() {
		return "", false, nil
	}
	ans, err := h.ask(ctx, protocol.Prompt{Kind: protocol.PromptBreakpoint, ListID: listID, Task: &task})
	if err != nil {
		return "", false, err
	}
	if ans.dismissed || ans.text == "" {
		return "", false, nil
	}
	return ans.text, true, nil
}

// RequestDisambiguation asks the human to pick one of several open lists.
func (h *Hub) RequestDisambiguation(ctx context.Context, candidates []orchestrator.Candidate) (string, error) {
	if !h.Available() {
		return "", ErrNoUI
	}
	choices := make([]protocol.ListChoice, 0, len(candidates))
	for _, c := range candidates {
		choices = append(choices, protocol.ListChoice{
			ID:           c.ID,
			Title:        c.Title,
			Completed:    c.Completed,
			Total:        c.Total,
			LastActivity: c.LastActivity,
		})
	}
	ans, err := h.ask(ctx, protocol.Prompt{Kind: protocol.PromptDisambiguation, Choices: choices})
	if err != nil {
		return "", err
	}
	if ans.dismissed || ans.choice == "" {
		return "", ErrPromptDismissed
	}
	return ans.choice, nil
}

func (h *Hub) ask(ctx context.Context, p protocol.Prompt) (promptAnswer, error) {
	e := h.prompts.open(p)
	done := h.metrics.StartWait("prompt")
	defer done()
	h.broadcast(protocol.PromptShown{Type: protocol.TypePromptShown, Prompt: e.prompt})
	if !h.Available() {
		// The last UI left between the caller's check and open.
		_ = h.prompts.resolve(e.prompt.ID, promptAnswer{dismissed: true, reason: uiGoneReason})
	}

	ans, err := h.prompts.wait(ctx, e)
	reason, outcome := ans.reason, "dismissed"
	if !ans.dismissed {
		reason, outcome = "answered", "answered"
	}
	h.metrics.ObserveInteraction("prompt", outcome, time.Since(e.prompt.CreatedAt))
	h.broadcast(protocol.PromptDismissed{Type: protocol.TypePromptDismissed, ID: e.prompt.ID, Reason: reason})
	return ans, err
}

// AnswerPrompt resolves a pending prompt from a REST or WebSocket client.
func (h *Hub) AnswerPrompt(msg protocol.PromptAnswer) error {
	return h.prompts.resolve(msg.ID, answerFrom(msg))
}

func (h *Hub) Prompts() []protocol.Prompt {
	return h.prompts.list()
}

func (h *Hub) Presence() session.Presence {
	return h.clients.Presence()
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	name := strings.TrimSpace(r.URL.Query().Get("client"))
	c := h.clients.Create(name, r.UserAgent())
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cl := &client{id: c.ID, conn: conn, outbound: make(chan any, outboundQueue), cancel: cancel}
	h.mu.Lock()
	h.conns[c.ID] = cl
	h.mu.Unlock()
	defer h.drop(c.ID)
	log.Printf("uibridge: client %s (%s) connected", c.ID, c.Name)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, cl)
	}()

	h.send(cl, protocol.Hello{Type: protocol.TypeHello, ClientID: c.ID, ServerTime: time.Now().UTC()})
	h.sendSnapshot(ctx, cl)

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = h.clients.Touch(c.ID, false)
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		_ = h.clients.Touch(c.ID, true)
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			h.send(cl, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: err.Error()})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			h.metrics.ObserveWSMessage("inbound", string(t))
		}
		reply := h.Dispatch(ctx, parsed)
		if reply != nil {
			h.send(cl, reply)
		}
	}

	cancel()
	<-writerDone
	log.Printf("uibridge: client %s disconnected", c.ID)
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, cl *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				cl.cancel()
				return
			}
		case msg := <-cl.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				h.metrics.ObserveWSMessage("outbound", "write_error")
				cl.cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				h.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}
}

// sendSnapshot pushes everything still waiting on the human to a newly
// connected client.
func (h *Hub) sendSnapshot(ctx context.Context, cl *client) {
	for _, req := range h.svc.Questions().Pending() {
		h.send(cl, protocol.QuestionShown{Type: protocol.TypeQuestionShown, Question: req})
	}
	for _, view := range h.svc.Reviews().List() {
		h.send(cl, protocol.ReviewShown{Type: protocol.TypeReviewShown, Review: h.svc.ReviewPreview(view)})
	}
	if lists := h.svc.Lists(); lists != nil {
		open, err := lists.GetOpenSessions(ctx)
		if err != nil {
			log.Printf("uibridge: load open task lists failed: %v", err)
		}
		for _, sess := range open {
			h.send(cl, protocol.TaskListUpdated{Type: protocol.TypeTaskListUpdated, List: sess})
		}
	}
	for _, p := range h.prompts.list() {
		h.send(cl, protocol.PromptShown{Type: protocol.TypePromptShown, Prompt: p})
	}
}

// Dispatch applies one parsed UI message and returns the reply to send back
// to the sender, if any.
func (h *Hub) Dispatch(ctx context.Context, msg any) any {
	var (
		id  string
		err error
	)
	t, _ := messageTypeOf(msg)
	switch m := msg.(type) {
	case protocol.Ping:
		return protocol.Ack{Type: protocol.TypeAck, For: protocol.TypePing}
	case protocol.AnswerQuestion:
		id, err = m.ID, h.svc.SubmitAnswer(m.ID, m.Response, m.Attachments)
	case protocol.CancelQuestion:
		id, err = m.ID, h.svc.CancelQuestion(m.ID, m.Question, m.Title, m.Reason)
	case protocol.SelectQuestion:
		id, err = m.ID, h.svc.SelectQuestion(m.ID)
	case protocol.ReviewAction:
		id = m.ID
		_, err = h.svc.ReviewAction(m.ID, m.Action)
	case protocol.ReviewComment:
		id = m.ID
		_, err = h.svc.ReviewComment(m.ID, orchestrator.CommentOp(m.Op), m.Index, interactions.RevisionComment{
			RevisedPart:         m.RevisedPart,
			RevisorInstructions: m.RevisorInstructions,
		})
	case protocol.ReviewPanel:
		id = m.ID
		if m.Type == protocol.TypeReviewReopen {
			_, err = h.svc.ReopenPendingReview(ctx, m.ID)
		} else {
			err = h.svc.ReviewPanelClosed(m.ID)
		}
	case protocol.PromptAnswer:
		id, err = m.ID, h.AnswerPrompt(m)
	case protocol.TaskComment:
		id = m.TaskID
		switch m.Type {
		case protocol.TypeTaskCommentEdit:
			_, err = h.svc.EditTaskComment(ctx, m.ListID, m.TaskID, m.CommentID, m.RevisorInstructions)
		case protocol.TypeTaskCommentDelete:
			err = h.svc.DeleteTaskComment(ctx, m.ListID, m.TaskID, m.CommentID)
		default:
			_, err = h.svc.AddTaskComment(ctx, orchestrator.AddTaskCommentInput{
				ListID:              m.ListID,
				TaskID:              m.TaskID,
				RevisedPart:         m.RevisedPart,
				RevisorInstructions: m.RevisorInstructions,
				Reopened:            m.Reopened,
			})
		}
	case protocol.TaskBreakpoint:
		id, err = m.TaskID, h.svc.SetTaskBreakpoint(ctx, m.ListID, m.TaskID, m.Breakpoint)
	default:
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "unsupported_message", Detail: fmt.Sprintf("%T", msg)}
	}
	if err != nil {
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: errorCode(err), Detail: err.Error()}
	}
	return protocol.Ack{Type: protocol.TypeAck, For: t, ID: id}
}

func errorCode(err error) string {
	if errors.Is(err, ErrPromptNotFound) {
		return string(orchestrator.KindNotFound)
	}
	return string(orchestrator.ErrorKindOf(err))
}

// Close dismisses open prompts and disconnects every client.
func (h *Hub) Close() {
	for _, id := range h.prompts.dismissAll("server shutting down") {
		log.Printf("uibridge: prompt %s dismissed on shutdown", id)
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.drop(id)
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	cl, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ok {
		cl.cancel()
		// Unblocks the read loop.
		_ = cl.conn.Close()
	}
	_, _ = h.clients.End(id)
	if h.clients.ActiveCount() > 0 {
		return
	}
	// Nobody is left to answer; blocked tool calls continue without input.
	for _, pid := range h.prompts.dismissAll(uiGoneReason) {
		log.Printf("uibridge: prompt %s dismissed, %s", pid, uiGoneReason)
	}
}

func (h *Hub) broadcast(msg any) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.conns))
	for _, cl := range h.conns {
		targets = append(targets, cl)
	}
	h.mu.RUnlock()
	for _, cl := range targets {
		h.send(cl, msg)
	}
}

func (h *Hub) send(cl *client, msg any) {
	select {
	case cl.outbound <- msg:
	default:
		// Keep websocket writes single-threaded; drop if the queue is saturated.
		h.metrics.ObserveWSMessage("outbound", "drop_full")
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Hello:
		return m.Type, true
	case protocol.QuestionShown:
		return m.Type, true
	case protocol.QuestionDismissed:
		return m.Type, true
	case protocol.ReviewShown:
		return m.Type, true
	case protocol.ReviewClosed:
		return m.Type, true
	case protocol.TaskListUpdated:
		return m.Type, true
	case protocol.PromptShown:
		return m.Type, true
	case protocol.PromptDismissed:
		return m.Type, true
	case protocol.Refresh:
		return m.Type, true
	case protocol.Ack:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.AnswerQuestion:
		return m.Type, true
	case protocol.CancelQuestion:
		return m.Type, true
	case protocol.SelectQuestion:
		return m.Type, true
	case protocol.ReviewAction:
		return m.Type, true
	case protocol.ReviewComment:
		return m.Type, true
	case protocol.ReviewPanel:
		return m.Type, true
	case protocol.PromptAnswer:
		return m.Type, true
	case protocol.TaskComment:
		return m.Type, true
	case protocol.TaskBreakpoint:
		return m.Type, true
	default:
		return "", false
	}
}

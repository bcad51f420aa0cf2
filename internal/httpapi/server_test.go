package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/humanloop/internal/config"
	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/kvstore"
	"github.com/ent0n29/humanloop/internal/observability"
	"github.com/ent0n29/humanloop/internal/orchestrator"
	"github.com/ent0n29/humanloop/internal/session"
	"github.com/ent0n29/humanloop/internal/tasklist"
	"github.com/ent0n29/humanloop/internal/uibridge"
)

type testEnv struct {
	ts  *httptest.Server
	svc *orchestrator.Service
	hub *uibridge.Hub
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg := config.Config{UIInactivityTimeout: time.Minute, WorkspaceRoot: t.TempDir()}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	kv := kvstore.NewInMemoryStore()
	svc := orchestrator.New(orchestrator.Config{WorkspaceRoot: cfg.WorkspaceRoot}, orchestrator.Deps{
		History: interactions.NewStore(kv),
		Lists:   tasklist.NewStore(kv),
		Metrics: metrics,
	})
	hub := uibridge.NewHub(svc, session.NewManager(cfg.UIInactivityTimeout), metrics, uibridge.Options{})
	svc.SetPresenter(hub)
	srv := New(cfg, svc, hub, metrics)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return testEnv{ts: ts, svc: svc, hub: hub}
}

func (e testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil && res.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]any
	if status := env.do(t, http.MethodGet, "/healthz", nil, &body); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body["store_mode"] != "in-memory" {
		t.Fatalf("store_mode = %v, want in-memory", body["store_mode"])
	}
	if body["ui_available"] != false {
		t.Fatalf("ui_available = %v, want false", body["ui_available"])
	}
}

func TestToolEndpointTaskListFlow(t *testing.T) {
	env := newTestEnv(t)

	var created orchestrator.TaskListResult
	status := env.do(t, http.MethodPost, "/v1/tools/create_task_list", map[string]any{
		"title": "Deploy",
		"tasks": []map[string]any{{"title": "A"}, {"title": "B"}},
	}, &created)
	if status != http.StatusOK || created.ListID == "" {
		t.Fatalf("create status = %d, result = %+v", status, created)
	}
	taskB := created.Tasks[1].ID

	var comment tasklist.TaskComment
	status = env.do(t, http.MethodPost, "/v1/tasklists/"+created.ListID+"/tasks/"+taskB+"/comments", map[string]any{
		"revisorInstructions": "use blue-green",
	}, &comment)
	if status != http.StatusCreated || comment.Status != tasklist.CommentStatusPending {
		t.Fatalf("comment status = %d, comment = %+v", status, comment)
	}

	var next orchestrator.TaskListResult
	env.do(t, http.MethodPost, "/v1/tools/get_next_task", map[string]any{"listId": created.ListID}, &next)
	if next.Task == nil || next.Task.Title != "A" || len(next.Comments) != 0 {
		t.Fatalf("first next = %+v", next)
	}
	env.do(t, http.MethodPost, "/v1/tools/update_task_status", map[string]any{"listId": created.ListID, "taskId": next.Task.ID, "status": "completed"}, nil)

	env.do(t, http.MethodPost, "/v1/tools/get_next_task", map[string]any{"listId": created.ListID}, &next)
	if next.Task == nil || next.Task.ID != taskB {
		t.Fatalf("second next = %+v", next)
	}
	if len(next.Comments) != 1 || next.Comments[0].RevisorInstructions != "use blue-green" {
		t.Fatalf("comments = %+v, want the queued comment", next.Comments)
	}

	var lists map[string][]tasklist.Session
	env.do(t, http.MethodGet, "/v1/tasklists?open=true", nil, &lists)
	if len(lists["lists"]) != 1 {
		t.Fatalf("open lists = %d, want 1", len(lists["lists"]))
	}
}

func TestToolEndpointErrors(t *testing.T) {
	env := newTestEnv(t)

	var errBody map[string]any
	if status := env.do(t, http.MethodPost, "/v1/tools/nope", map[string]any{}, &errBody); status != http.StatusNotFound {
		t.Fatalf("unknown tool status = %d, want 404", status)
	}

	status := env.do(t, http.MethodPost, "/v1/tools/ask_user", map[string]any{"question": ""}, &errBody)
	if status != http.StatusBadRequest || errBody["kind"] != "validation" {
		t.Fatalf("validation status = %d, body = %+v", status, errBody)
	}

	status = env.do(t, http.MethodPost, "/v1/tools/get_task_list", map[string]any{"listId": "list_missing"}, &errBody)
	if status != http.StatusNotFound || errBody["kind"] != "not_found" {
		t.Fatalf("not found status = %d, body = %+v", status, errBody)
	}
}

func TestAskUserLongPollAnsweredOverREST(t *testing.T) {
	env := newTestEnv(t)

	type callResult struct {
		status int
		body   orchestrator.AskUserResult
	}
	done := make(chan callResult, 1)
	go func() {
		var res orchestrator.AskUserResult
		status := env.do(t, http.MethodPost, "/v1/tools/ask_user", map[string]any{"question": "Ship it?"}, &res)
		done <- callResult{status: status, body: res}
	}()

	var id string
	deadline := time.Now().Add(2 * time.Second)
	for id == "" && time.Now().Before(deadline) {
		var pending struct {
			Questions []struct {
				ID string `json:"id"`
			} `json:"questions"`
		}
		env.do(t, http.MethodGet, "/v1/questions", nil, &pending)
		if len(pending.Questions) == 1 {
			id = pending.Questions[0].ID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("question never became pending")
	}

	if status := env.do(t, http.MethodPost, "/v1/questions/"+id+"/answer", map[string]any{"response": "yes"}, nil); status != http.StatusNoContent {
		t.Fatalf("answer status = %d, want 204", status)
	}
	select {
	case res := <-done:
		if res.status != http.StatusOK || !res.body.Responded || res.body.Response != "yes" {
			t.Fatalf("ask_user result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ask_user call did not return")
	}

	var history map[string][]interactions.Interaction
	env.do(t, http.MethodGet, "/v1/interactions?type=ask_user", nil, &history)
	if len(history["interactions"]) != 1 || history["interactions"][0].Response != "yes" {
		t.Fatalf("history = %+v", history)
	}
}

func TestAskUserRequestCancellationIsPersisted(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, env.ts.URL+"/v1/tools/ask_user", bytes.NewReader([]byte(`{"question":"Anyone there?"}`)))
	if _, err := http.DefaultClient.Do(req); err == nil {
		t.Fatal("expected the client request to time out")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		all, err := env.svc.History().GetAll(context.Background())
		if err != nil {
			t.Fatalf("GetAll() error = %v", err)
		}
		if len(all) == 1 {
			if !all[0].Cancelled {
				t.Fatalf("record = %+v, want cancelled", all[0])
			}
			if env.svc.Questions().Len() != 0 {
				t.Fatalf("pending questions = %d, want 0", env.svc.Questions().Len())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cancelled ask_user was not persisted")
}

func TestPromptAndReviewNotFound(t *testing.T) {
	env := newTestEnv(t)
	if status := env.do(t, http.MethodPost, "/v1/prompts/prompt_missing/answer", map[string]any{"text": "x"}, nil); status != http.StatusNotFound {
		t.Fatalf("prompt status = %d, want 404", status)
	}
	if status := env.do(t, http.MethodPost, "/v1/reviews/review_missing/action", map[string]any{"action": "approve"}, nil); status != http.StatusNotFound {
		t.Fatalf("review status = %d, want 404", status)
	}
}

func TestPerfWaits(t *testing.T) {
	env := newTestEnv(t)
	var snap observability.WaitSnapshot
	if status := env.do(t, http.MethodGet, "/v1/perf/waits", nil, &snap); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if snap.WindowSize <= 0 {
		t.Fatalf("window_size = %d, want positive", snap.WindowSize)
	}
}

func TestDeleteTaskListOverRESTRefreshesUI(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.hub.WatchStores(ctx)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/ui/ws?client=test"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil || hello["type"] != "hello" {
		t.Fatalf("first message = %v (%v), want hello", hello, err)
	}

	sess, err := env.svc.Lists().CreateSession(ctx, "Cleanup", []tasklist.TaskInput{{Title: "x"}})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if status := env.do(t, http.MethodDelete, "/v1/tasklists/"+sess.ID, nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", status)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg["type"] == "refresh" {
			if msg["reason"] != "tasklists" {
				t.Fatalf("refresh reason = %v, want tasklists", msg["reason"])
			}
			return
		}
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/humanloop/internal/askuser"
	"github.com/ent0n29/humanloop/internal/interactions"
	"github.com/ent0n29/humanloop/internal/kvstore"
	"github.com/ent0n29/humanloop/internal/review"
	"github.com/ent0n29/humanloop/internal/tasklist"
)

type fakePresenter struct {
	mu        sync.Mutex
	available bool

	onQuestion func(askuser.Request)
	onReview   func(review.View)
	breakpoint func(context.Context, tasklist.TaskItem) (string, bool, error)
	choose     func([]Candidate) (string, error)

	dismissed []string
	reviews   []review.View
	lists     []tasklist.Session
}

func (f *fakePresenter) Available() bool { return f.available }

func (f *fakePresenter) ShowQuestion(req askuser.Request) {
	if f.onQuestion != nil {
		go f.onQuestion(req)
	}
}

func (f *fakePresenter) DismissQuestion(id, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, id+":"+reason)
}

func (f *fakePresenter) ShowPlanReview(view review.View) {
	f.mu.Lock()
	f.reviews = append(f.reviews, view)
	cb := f.onReview
	f.onReview = nil
	f.mu.Unlock()
	if cb != nil {
		go cb(view)
	}
}

func (f *fakePresenter) ShowTaskList(sess tasklist.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, sess)
}

func (f *fakePresenter) RequestBreakpointInstruction(ctx context.Context, _ string, task tasklist.TaskItem) (string, bool, error) {
	if f.breakpoint == nil {
		return "", false, nil
	}
	return f.breakpoint(ctx, task)
}

func (f *fakePresenter) RequestDisambiguation(_ context.Context, candidates []Candidate) (string, error) {
	if f.choose == nil {
		return "", errors.New("no chooser")
	}
	return f.choose(candidates)
}

func (f *fakePresenter) NotifyRefresh(string) {}

func (f *fakePresenter) lastReview() review.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reviews[len(f.reviews)-1]
}

type fakePrompter struct {
	answer string
}

func (p fakePrompter) Available() bool { return true }

func (p fakePrompter) Ask(context.Context, askuser.Request) (askuser.Response, error) {
	return askuser.Response{Responded: true, Response: p.answer, Attachments: []string{}}, nil
}

func newTestService(t *testing.T, p *fakePresenter, cfg Config) *Service {
	t.Helper()
	kv := kvstore.NewInMemoryStore()
	return New(cfg, Deps{
		History:   interactions.NewStore(kv),
		Lists:     tasklist.NewStore(kv),
		Presenter: p,
	})
}

func TestAskUserAnswered(t *testing.T) {
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{})
	p.onQuestion = func(req askuser.Request) {
		assert.NoError(t, svc.SubmitAnswer(req.ID, "use postgres", []string{"notes.md"}))
	}

	res, err := svc.AskUser(context.Background(), AskUserInput{Question: "Which DB?", Title: "Setup", AgentName: "coder"})
	require.NoError(t, err)
	assert.Equal(t, AskUserResult{Responded: true, Response: "use postgres", Attachments: []string{"notes.md"}}, res)

	all, err := svc.History().GetByType(context.Background(), interactions.TypeAskUser)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "use postgres", all[0].Response)
	assert.Equal(t, "coder", all[0].AgentName)
	assert.False(t, all[0].Cancelled)
	assert.Len(t, p.dismissed, 1)
}

func TestAskUserCancelledByAgent(t *testing.T) {
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	p.onQuestion = func(askuser.Request) { cancel() }

	res, err := svc.AskUser(ctx, AskUserInput{Question: "Continue?"})
	require.NoError(t, err)
	assert.False(t, res.Responded)
	assert.Empty(t, res.Attachments)
	assert.Zero(t, svc.Questions().Len())

	all, err := svc.History().GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1, "outcome is persisted even after cancellation")
	assert.True(t, all[0].Cancelled)
}

func TestCancelQuestionStaleIDMatchesText(t *testing.T) {
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{})
	p.onQuestion = func(req askuser.Request) {
		assert.NoError(t, svc.CancelQuestion("ask_stale", req.Question, req.Title, "closed in editor"))
	}

	res, err := svc.AskUser(context.Background(), AskUserInput{Question: "Ship it?", Title: "Release"})
	require.NoError(t, err)
	assert.False(t, res.Responded)
	assert.Zero(t, svc.Questions().Len())

	err = svc.CancelQuestion("ask_stale", "", "", "")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, ErrorKindOf(err))
}

func TestAskUserFallsBackToPrompter(t *testing.T) {
	kv := kvstore.NewInMemoryStore()
	svc := New(Config{DialogFallback: true}, Deps{
		History:   interactions.NewStore(kv),
		Lists:     tasklist.NewStore(kv),
		Presenter: &fakePresenter{available: false},
		Prompter:  fakePrompter{answer: "from terminal"},
	})
	res, err := svc.AskUser(context.Background(), AskUserInput{Question: "Name?"})
	require.NoError(t, err)
	assert.True(t, res.Responded)
	assert.Equal(t, "from terminal", res.Response)
}

func TestAskUserValidation(t *testing.T) {
	svc := newTestService(t, &fakePresenter{available: true}, Config{})
	_, err := svc.AskUser(context.Background(), AskUserInput{Question: "  "})
	require.Error(t, err)
	assert.Equal(t, KindValidation, ErrorKindOf(err))
}

func TestPlanReviewApprovedWithTruncatedPreview(t *testing.T) {
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{PreviewMaxChars: 10})
	p.onReview = func(v review.View) {
		_, err := svc.ReviewAction(v.ID, review.ActionApprove)
		assert.NoError(t, err)
	}
	plan := strings.Repeat("x", 50)

	res, err := svc.PlanReview(context.Background(), PlanReviewInput{Plan: plan, Title: "Refactor"})
	require.NoError(t, err)
	assert.Equal(t, interactions.StatusApproved, res.Status)
	assert.Empty(t, res.RequiredRevisions)
	require.NotEmpty(t, res.ReviewID)

	shown := p.lastReview()
	assert.True(t, strings.HasPrefix(shown.Plan, strings.Repeat("x", 10)+"\n\n..."))

	rec, err := svc.History().Get(context.Background(), res.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, plan, rec.Plan, "persisted plan is not truncated")
	assert.Equal(t, interactions.StatusApproved, rec.Status)
	assert.NotNil(t, rec.ResolvedAt)
}

func TestPlanReviewRequestChangesAfterReopen(t *testing.T) {
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{})
	ctx := context.Background()
	p.onReview = func(v review.View) {
		assert.NoError(t, svc.ReviewPanelClosed(v.ID))
		rec, err := svc.History().Get(ctx, v.ID)
		assert.NoError(t, err)
		assert.Equal(t, interactions.StatusPending, rec.Status)

		p.mu.Lock()
		p.onReview = func(v review.View) {
			_, err := svc.ReviewComment(v.ID, CommentAdd, 0, interactions.RevisionComment{RevisedPart: "step 1", RevisorInstructions: "add a rollback"})
			assert.NoError(t, err)
			_, err = svc.ReviewAction(v.ID, review.ActionReject)
			assert.NoError(t, err)
		}
		p.mu.Unlock()
		_, err = svc.ReopenPendingReview(ctx, v.ID)
		assert.NoError(t, err)
	}

	res, err := svc.PlanReview(ctx, PlanReviewInput{Plan: "step 1\nstep 2"})
	require.NoError(t, err)
	assert.Equal(t, interactions.StatusRecreateWithChanges, res.Status)
	require.Len(t, res.RequiredRevisions, 1)
	assert.Equal(t, "add a rollback", res.RequiredRevisions[0].RevisorInstructions)

	rec, err := svc.History().Get(ctx, res.ReviewID)
	require.NoError(t, err)
	require.Len(t, rec.RequiredRevisions, 1)
}

func TestPlanReviewCancelledByAgent(t *testing.T) {
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	p.onReview = func(review.View) { cancel() }

	res, err := svc.WalkthroughReview(ctx, PlanReviewInput{Plan: "walk"})
	require.NoError(t, err)
	assert.Equal(t, interactions.StatusCancelled, res.Status)

	rec, err := svc.History().Get(context.Background(), res.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, interactions.StatusCancelled, rec.Status)
	assert.Equal(t, interactions.ModeWalkthrough, rec.Mode)
	assert.Empty(t, svc.Reviews().List())
}

func callTool(t *testing.T, svc *Service, name string, args any) (map[string]any, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	out, isErr, err := svc.Call(context.Background(), name, raw)
	require.NoError(t, err)
	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(encoded, &m))
	return m, isErr
}

func TestDeployScenarioThroughTools(t *testing.T) {
	svc := newTestService(t, &fakePresenter{available: true}, Config{})

	created, isErr := callTool(t, svc, ToolCreateTaskList, map[string]any{
		"title": "Deploy",
		"tasks": []map[string]any{{"title": "A"}, {"title": "B"}},
	})
	require.False(t, isErr, "%v", created)
	listID := created["listId"].(string)

	next, isErr := callTool(t, svc, ToolGetNextTask, map[string]any{"listId": listID})
	require.False(t, isErr)
	taskA := next["task"].(map[string]any)
	assert.Equal(t, "A", taskA["title"])
	assert.Equal(t, "in-progress", taskA["status"])

	upd, isErr := callTool(t, svc, ToolUpdateTaskStatus, map[string]any{"listId": listID, "taskId": taskA["id"], "status": "completed"})
	require.False(t, isErr)
	assert.Nil(t, upd["autoClosed"])

	next, isErr = callTool(t, svc, ToolGetNextTask, map[string]any{"listId": listID})
	require.False(t, isErr)
	taskB := next["task"].(map[string]any)
	assert.Equal(t, "B", taskB["title"])
	assert.Equal(t, []any{}, next["comments"])

	upd, isErr = callTool(t, svc, ToolUpdateTaskStatus, map[string]any{"listId": listID, "taskId": taskB["id"], "status": "completed"})
	require.False(t, isErr)
	assert.Equal(t, true, upd["autoClosed"])
	assert.Equal(t, true, upd["closed"])

	again, isErr := callTool(t, svc, ToolUpdateTaskStatus, map[string]any{"listId": listID, "taskId": taskB["id"], "status": "pending"})
	assert.True(t, isErr)
	assert.Equal(t, string(KindStateConflict), again["kind"])
}

func TestClosedListCommentReopensTask(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakePresenter{available: true}, Config{})
	created, err := svc.CreateTaskList(ctx, CreateTaskListInput{Title: "Deploy", Tasks: []tasklist.TaskInput{{Title: "A"}}})
	require.NoError(t, err)
	taskA := created.Tasks[0]
	upd, err := svc.UpdateTaskStatus(ctx, UpdateTaskStatusInput{ListID: created.ListID, TaskID: taskA.ID, Status: tasklist.TaskStatusCompleted})
	require.NoError(t, err)
	require.True(t, upd.AutoClosed)

	_, err = svc.AddTaskComment(ctx, AddTaskCommentInput{ListID: created.ListID, TaskID: taskA.ID, RevisorInstructions: "redo", Reopened: true})
	require.NoError(t, err)

	list, err := svc.GetTaskList(ctx, ListInput{ListID: created.ListID})
	require.NoError(t, err)
	assert.True(t, list.Closed)
	assert.Equal(t, tasklist.TaskStatusPending, list.Tasks[0].Status)

	_, err = svc.UpdateTaskStatus(ctx, UpdateTaskStatusInput{ListID: created.ListID, TaskID: taskA.ID, Status: tasklist.TaskStatusInProgress})
	require.Error(t, err)
	assert.Equal(t, KindStateConflict, ErrorKindOf(err))

	resumed, err := svc.ResumeTaskList(ctx, ListInput{ListID: created.ListID})
	require.NoError(t, err)
	assert.False(t, resumed.Closed)

	next, err := svc.GetNextTask(ctx, ListInput{ListID: created.ListID})
	require.NoError(t, err)
	require.NotNil(t, next.Task)
	assert.Equal(t, taskA.ID, next.Task.ID)
	require.Len(t, next.Comments, 1)
	assert.Equal(t, "redo", next.Comments[0].RevisorInstructions)
}

func TestBreakpointInstruction(t *testing.T) {
	ctx := context.Background()
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{})
	created, err := svc.CreateTaskList(ctx, CreateTaskListInput{Title: "Release", Tasks: []tasklist.TaskInput{
		{Title: "tag", Breakpoint: true},
		{Title: "publish", Breakpoint: true},
	}})
	require.NoError(t, err)

	p.breakpoint = func(context.Context, tasklist.TaskItem) (string, bool, error) { return "use the staging registry", true, nil }
	next, err := svc.GetNextTask(ctx, ListInput{ListID: created.ListID})
	require.NoError(t, err)
	assert.Equal(t, breakpointDirectivePrefix+"use the staging registry", next.BreakpointInstruction)

	_, err = svc.UpdateTaskStatus(ctx, UpdateTaskStatusInput{ListID: created.ListID, TaskID: next.Task.ID, Status: tasklist.TaskStatusCompleted})
	require.NoError(t, err)

	p.breakpoint = func(context.Context, tasklist.TaskItem) (string, bool, error) { return "", false, nil }
	next, err = svc.GetNextTask(ctx, ListInput{ListID: created.ListID})
	require.NoError(t, err)
	require.NotNil(t, next.Task, "a dismissed breakpoint still hands the task over")
	assert.Equal(t, "publish", next.Task.Title)
	assert.Empty(t, next.BreakpointInstruction)
}

func TestGetNextTaskCancelledAtBreakpointKeepsComments(t *testing.T) {
	ctx := context.Background()
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{})
	created, err := svc.CreateTaskList(ctx, CreateTaskListInput{Title: "Release", Tasks: []tasklist.TaskInput{
		{Title: "build"},
		{Title: "tag", Breakpoint: true},
	}})
	require.NoError(t, err)
	build, tag := created.Tasks[0], created.Tasks[1]
	_, err = svc.UpdateTaskStatus(ctx, UpdateTaskStatusInput{ListID: created.ListID, TaskID: build.ID, Status: tasklist.TaskStatusCompleted})
	require.NoError(t, err)
	for _, id := range []string{build.ID, tag.ID} {
		_, err = svc.AddTaskComment(ctx, AddTaskCommentInput{ListID: created.ListID, TaskID: id, RevisorInstructions: "check " + id})
		require.NoError(t, err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	p.breakpoint = func(ctx context.Context, task tasklist.TaskItem) (string, bool, error) {
		assert.Equal(t, tag.ID, task.ID)
		cancel()
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	_, err = svc.GetNextTask(callCtx, ListInput{ListID: created.ListID})
	require.Error(t, err)
	assert.Equal(t, KindCancelled, ErrorKindOf(err))

	list, err := svc.Lists().GetSession(ctx, created.ListID)
	require.NoError(t, err)
	for _, task := range list.Tasks {
		require.Len(t, task.Comments, 1)
		assert.Equal(t, tasklist.CommentStatusPending, task.Comments[0].Status, task.Title)
	}
	assert.Equal(t, tasklist.TaskStatusPending, list.Tasks[1].Status)

	p.breakpoint = nil
	next, err := svc.GetNextTask(ctx, ListInput{ListID: created.ListID})
	require.NoError(t, err)
	require.NotNil(t, next.Task)
	assert.Equal(t, tag.ID, next.Task.ID)
	assert.Len(t, next.Comments, 2)
}

func TestResumeTaskListSelection(t *testing.T) {
	ctx := context.Background()
	p := &fakePresenter{available: true}
	svc := newTestService(t, p, Config{})

	_, err := svc.ResumeTaskList(ctx, ListInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call create_task_list")

	first, err := svc.CreateTaskList(ctx, CreateTaskListInput{Title: "first", Tasks: []tasklist.TaskInput{{Title: "x"}}})
	require.NoError(t, err)
	res, err := svc.ResumeTaskList(ctx, ListInput{})
	require.NoError(t, err)
	assert.Equal(t, first.ListID, res.ListID)

	second, err := svc.CreateTaskList(ctx, CreateTaskListInput{Title: "second", Tasks: []tasklist.TaskInput{{Title: "y"}}})
	require.NoError(t, err)
	var offered []Candidate
	p.choose = func(c []Candidate) (string, error) {
		offered = c
		return second.ListID, nil
	}
	res, err = svc.ResumeTaskList(ctx, ListInput{})
	require.NoError(t, err)
	assert.Equal(t, second.ListID, res.ListID)
	assert.Len(t, offered, 2)

	p.choose = func([]Candidate) (string, error) { return "", errors.New("closed") }
	_, err = svc.ResumeTaskList(ctx, ListInput{})
	require.Error(t, err)
	assert.Equal(t, KindCancelled, ErrorKindOf(err))
}

func TestCloseTaskListFlushesComments(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakePresenter{available: true}, Config{})
	created, err := svc.CreateTaskList(ctx, CreateTaskListInput{Title: "L", Tasks: []tasklist.TaskInput{{Title: "a"}, {Title: "b"}}})
	require.NoError(t, err)
	_, err = svc.AddTaskComment(ctx, AddTaskCommentInput{ListID: created.ListID, TaskID: created.Tasks[1].ID, RevisorInstructions: "later"})
	require.NoError(t, err)

	res, err := svc.CloseTaskList(ctx, ListInput{ListID: created.ListID})
	require.NoError(t, err)
	assert.True(t, res.Closed)
	require.Len(t, res.Comments, 1)

	res, err = svc.GetNextTask(ctx, ListInput{ListID: created.ListID})
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Empty(t, res.Comments)
}

func TestFailingHookDoesNotBreakTool(t *testing.T) {
	p := &fakePresenter{available: true}
	kv := kvstore.NewInMemoryStore()
	var calls int
	svc := New(Config{}, Deps{
		History:   interactions.NewStore(kv),
		Lists:     tasklist.NewStore(kv),
		Presenter: p,
		Hooks: Hooks{OnInteraction: []InteractionHook{
			func(context.Context, interactions.Interaction) error { panic("boom") },
			func(context.Context, interactions.Interaction) error { return errors.New("nope") },
			func(context.Context, interactions.Interaction) error { calls++; return nil },
		}},
	})
	p.onQuestion = func(req askuser.Request) { _ = svc.SubmitAnswer(req.ID, "ok", nil) }

	res, err := svc.AskUser(context.Background(), AskUserInput{Question: "q"})
	require.NoError(t, err)
	assert.True(t, res.Responded)
	assert.Equal(t, 1, calls)
}

func TestCallUnknownToolAndBadArgs(t *testing.T) {
	svc := newTestService(t, &fakePresenter{available: true}, Config{})
	_, _, err := svc.Call(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownTool)

	out, isErr := callTool(t, svc, ToolCreateTaskList, map[string]any{"title": "x", "bogus": 1})
	assert.True(t, isErr)
	assert.Equal(t, string(KindValidation), out["kind"])

	out, isErr = callTool(t, svc, ToolGetNextTask, map[string]any{"listId": "list_missing"})
	assert.True(t, isErr)
	assert.Equal(t, string(KindNotFound), out["kind"])
}

func TestTruncatePreview(t *testing.T) {
	assert.Equal(t, "short", truncatePreview("short", 10))
	assert.Equal(t, "héllo\n\n... (2 more characters)", truncatePreview("héllo!!", 5))
	assert.Len(t, Tools(), 11)
	assert.True(t, IsTool(ToolResumeTaskList))
}

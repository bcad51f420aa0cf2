package orchestrator

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/ent0n29/humanloop/internal/tasklist"
)

const breakpointDirectivePrefix = "USER INSTRUCTION (highest priority, apply before starting this task): "

type CreateTaskListInput struct {
	Title string               `json:"title"`
	Tasks []tasklist.TaskInput `json:"tasks"`
}

type ListInput struct {
	ListID string `json:"listId"`
}

type UpdateTaskStatusInput struct {
	ListID string              `json:"listId"`
	TaskID string              `json:"taskId"`
	Status tasklist.TaskStatus `json:"status"`
}

type AddTaskInput struct {
	ListID      string `json:"listId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Breakpoint  bool   `json:"breakpoint,omitempty"`
}

type AddTaskCommentInput struct {
	ListID              string `json:"listId"`
	TaskID              string `json:"taskId"`
	RevisedPart         string `json:"revisedPart,omitempty"`
	RevisorInstructions string `json:"revisorInstructions"`
	Reopened            bool   `json:"reopened,omitempty"`
}

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// TaskListResult is returned by every task-list tool. Done reports that no
// pending task is left to hand out.
type TaskListResult struct {
	ListID                string                 `json:"listId"`
	Title                 string                 `json:"title,omitempty"`
	Closed                bool                   `json:"closed"`
	Done                  bool                   `json:"done"`
	Task                  *tasklist.TaskItem     `json:"task,omitempty"`
	Comments              []tasklist.TaskComment `json:"comments"`
	BreakpointInstruction string                 `json:"breakpointInstruction,omitempty"`
	AutoClosed            bool                   `json:"autoClosed,omitempty"`
	Updated               bool                   `json:"updated,omitempty"`
	Progress              Progress               `json:"progress"`
	Tasks                 []tasklist.TaskItem    `json:"tasks,omitempty"`
}

func (s *Service) CreateTaskList(ctx context.Context, in CreateTaskListInput) (TaskListResult, error) {
	if strings.TrimSpace(in.Title) == "" {
		return TaskListResult{}, validationf("title is required")
	}
	if len(in.Tasks) == 0 {
		return TaskListResult{}, validationf("tasks must contain at least one task")
	}
	for i, t := range in.Tasks {
		if strings.TrimSpace(t.Title) == "" {
			return TaskListResult{}, validationf("tasks[%d].title is required", i)
		}
	}
	sess, err := s.lists.CreateSession(ctx, in.Title, in.Tasks)
	if err != nil {
		return TaskListResult{}, classify(err)
	}
	s.presenter.ShowTaskList(sess)
	res := summarize(sess)
	res.Tasks = sess.Tasks
	return res, nil
}

// GetNextTask hands the next pending task to the agent together with any
// undelivered feedback. A task with a breakpoint first asks the human for an
// instruction; if none arrives the task is handed over without one.
func (s *Service) GetNextTask(ctx context.Context, in ListInput) (TaskListResult, error) {
	sess, err := s.session(ctx, in.ListID)
	if err != nil {
		return TaskListResult{}, err
	}
	if sess.Closed {
		comments, err := s.sweep(ctx, sess.ID, "all", "")
		if err != nil {
			return TaskListResult{}, err
		}
		res := summarize(sess)
		res.Done = true
		res.Comments = comments
		return res, nil
	}

	next, ok, err := s.lists.ClaimNextPendingTask(ctx, sess.ID)
	if err != nil {
		return TaskListResult{}, classify(err)
	}
	if !ok {
		comments, err := s.sweep(ctx, sess.ID, "session", "")
		if err != nil {
			return TaskListResult{}, err
		}
		sess, err = s.session(ctx, sess.ID)
		if err != nil {
			return TaskListResult{}, err
		}
		res := summarize(sess)
		res.Done = true
		res.Comments = comments
		return res, nil
	}

	var instruction string
	if next.Breakpoint {
		s.showList(ctx, sess.ID)
		text, answered, err := s.presenter.RequestBreakpointInstruction(ctx, sess.ID, next)
		switch {
		case err != nil && ctx.Err() != nil:
			s.releaseTask(ctx, sess.ID, next.ID)
			return TaskListResult{}, classify(ctx.Err())
		case err != nil:
			log.Printf("orchestrator: breakpoint prompt for task %s failed: %v", next.ID, err)
		case answered && strings.TrimSpace(text) != "":
			instruction = breakpointDirectivePrefix + strings.TrimSpace(text)
		}
	}

	// Nothing is marked sent until the task is actually handed over.
	comments, err := s.sweep(ctx, sess.ID, "task", next.ID)
	if err != nil {
		return TaskListResult{}, err
	}
	rest, err := s.sweep(ctx, sess.ID, "session", "")
	if err != nil {
		return TaskListResult{}, err
	}
	comments = append(comments, rest...)
	sess, err = s.session(ctx, sess.ID)
	if err != nil {
		return TaskListResult{}, err
	}
	s.presenter.ShowTaskList(sess)

	res := summarize(sess)
	for i := range sess.Tasks {
		if sess.Tasks[i].ID == next.ID {
			task := sess.Tasks[i]
			res.Task = &task
			break
		}
	}
	res.Comments = comments
	res.BreakpointInstruction = instruction
	return res, nil
}

// releaseTask puts a claimed task back to pending after the caller gave up.
func (s *Service) releaseTask(ctx context.Context, listID, taskID string) {
	if _, err := s.lists.UpdateTask(context.WithoutCancel(ctx), listID, taskID, tasklist.TaskStatusPending); err != nil {
		log.Printf("orchestrator: release task %s: %v", taskID, err)
	}
}

func (s *Service) showList(ctx context.Context, listID string) {
	if sess, err := s.lists.GetSession(ctx, listID); err == nil {
		s.presenter.ShowTaskList(sess)
	}
}

// UpdateTaskStatus records progress on a task. Completing the last task
// closes the list and flushes every undelivered comment.
func (s *Service) UpdateTaskStatus(ctx context.Context, in UpdateTaskStatusInput) (TaskListResult, error) {
	if strings.TrimSpace(in.ListID) == "" || strings.TrimSpace(in.TaskID) == "" {
		return TaskListResult{}, validationf("listId and taskId are required")
	}
	if !in.Status.Valid() {
		return TaskListResult{}, validationf("status must be one of pending, in-progress, completed, blocked")
	}
	upd, err := s.lists.UpdateTask(ctx, in.ListID, in.TaskID, in.Status)
	if err != nil {
		return TaskListResult{}, classify(err)
	}

	sweepKind := "session"
	if upd.AutoCompleted {
		sweepKind = "all"
	}
	comments, err := s.sweep(ctx, in.ListID, sweepKind, "")
	if err != nil {
		return TaskListResult{}, err
	}
	sess, err := s.session(ctx, in.ListID)
	if err != nil {
		return TaskListResult{}, err
	}
	s.presenter.ShowTaskList(sess)
	if upd.AutoCompleted {
		s.presenter.NotifyRefresh("tasklist_closed")
	}

	res := summarize(sess)
	res.Updated = upd.Updated
	res.AutoClosed = upd.AutoCompleted
	res.Comments = comments
	return res, nil
}

func (s *Service) AddTask(ctx context.Context, in AddTaskInput) (TaskListResult, error) {
	if strings.TrimSpace(in.ListID) == "" {
		return TaskListResult{}, validationf("listId is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return TaskListResult{}, validationf("title is required")
	}
	item, err := s.lists.AddTask(ctx, in.ListID, tasklist.TaskInput{
		Title:       in.Title,
		Description: in.Description,
		Breakpoint:  in.Breakpoint,
	})
	if err != nil {
		return TaskListResult{}, classify(err)
	}
	sess, err := s.session(ctx, in.ListID)
	if err != nil {
		return TaskListResult{}, err
	}
	s.presenter.ShowTaskList(sess)
	res := summarize(sess)
	res.Task = &item
	return res, nil
}

// AddTaskComment queues human feedback on a task.
func (s *Service) AddTaskComment(ctx context.Context, in AddTaskCommentInput) (tasklist.TaskComment, error) {
	if strings.TrimSpace(in.ListID) == "" || strings.TrimSpace(in.TaskID) == "" {
		return tasklist.TaskComment{}, validationf("listId and taskId are required")
	}
	if strings.TrimSpace(in.RevisorInstructions) == "" {
		return tasklist.TaskComment{}, validationf("revisorInstructions is required")
	}
	c, err := s.lists.AddComment(ctx, in.ListID, in.TaskID, tasklist.CommentInput{
		RevisedPart:         in.RevisedPart,
		RevisorInstructions: in.RevisorInstructions,
		Reopened:            in.Reopened,
	})
	if err != nil {
		return tasklist.TaskComment{}, classify(err)
	}
	if sess, err := s.lists.GetSession(ctx, in.ListID); err == nil {
		s.presenter.ShowTaskList(sess)
	}
	return c, nil
}

// EditTaskComment and DeleteTaskComment only touch undelivered comments.
func (s *Service) EditTaskComment(ctx context.Context, listID, taskID, commentID, instructions string) (tasklist.TaskComment, error) {
	c, err := s.lists.EditComment(ctx, listID, taskID, commentID, instructions)
	if err != nil {
		return tasklist.TaskComment{}, classify(err)
	}
	if sess, err := s.lists.GetSession(ctx, listID); err == nil {
		s.presenter.ShowTaskList(sess)
	}
	return c, nil
}

func (s *Service) DeleteTaskComment(ctx context.Context, listID, taskID, commentID string) error {
	if err := s.lists.DeleteComment(ctx, listID, taskID, commentID); err != nil {
		return classify(err)
	}
	if sess, err := s.lists.GetSession(ctx, listID); err == nil {
		s.presenter.ShowTaskList(sess)
	}
	return nil
}

// SetTaskBreakpoint toggles the breakpoint of a task from the UI.
func (s *Service) SetTaskBreakpoint(ctx context.Context, listID, taskID string, on bool) error {
	if err := s.lists.SetBreakpoint(ctx, listID, taskID, on); err != nil {
		return classify(err)
	}
	if sess, err := s.lists.GetSession(ctx, listID); err == nil {
		s.presenter.ShowTaskList(sess)
	}
	return nil
}

// GetTaskList returns the list without delivering comments.
func (s *Service) GetTaskList(ctx context.Context, in ListInput) (TaskListResult, error) {
	sess, err := s.session(ctx, in.ListID)
	if err != nil {
		return TaskListResult{}, err
	}
	res := summarize(sess)
	res.Tasks = sess.Tasks
	return res, nil
}

// CloseTaskList closes the list and flushes every undelivered comment so no
// feedback is lost.
func (s *Service) CloseTaskList(ctx context.Context, in ListInput) (TaskListResult, error) {
	if _, err := s.session(ctx, in.ListID); err != nil {
		return TaskListResult{}, err
	}
	sess, err := s.lists.CloseSession(ctx, in.ListID)
	if err != nil {
		return TaskListResult{}, classify(err)
	}
	comments, err := s.sweep(ctx, sess.ID, "all", "")
	if err != nil {
		return TaskListResult{}, err
	}
	s.presenter.ShowTaskList(sess)
	s.presenter.NotifyRefresh("tasklist_closed")
	res := summarize(sess)
	res.Comments = comments
	return res, nil
}

// ResumeTaskList reattaches the agent to a list. Without a listId the only
// open list is used, or the human picks one when several are open. A closed
// list is reopened and the reopen is persisted.
func (s *Service) ResumeTaskList(ctx context.Context, in ListInput) (TaskListResult, error) {
	listID := strings.TrimSpace(in.ListID)
	if listID == "" {
		open, err := s.lists.GetOpenSessions(ctx)
		if err != nil {
			return TaskListResult{}, classify(err)
		}
		switch len(open) {
		case 0:
			return TaskListResult{}, &ToolError{Kind: KindNotFound, Msg: "no open task lists; call create_task_list"}
		case 1:
			listID = open[0].ID
		default:
			candidates := make([]Candidate, 0, len(open))
			for _, sess := range open {
				done, total := sess.Counts()
				candidates = append(candidates, Candidate{
					ID:           sess.ID,
					Title:        sess.Title,
					Completed:    done,
					Total:        total,
					LastActivity: sess.LastActivity,
				})
			}
			chosen, err := s.presenter.RequestDisambiguation(ctx, candidates)
			if err != nil {
				if ctx.Err() != nil {
					return TaskListResult{}, classify(ctx.Err())
				}
				return TaskListResult{}, &ToolError{Kind: KindCancelled, Msg: "task list selection was not made: " + err.Error(), Err: err}
			}
			if !containsCandidate(candidates, chosen) {
				return TaskListResult{}, &ToolError{Kind: KindValidation, Msg: "selected task list is not one of the open lists"}
			}
			listID = chosen
		}
	}

	sess, err := s.session(ctx, listID)
	if err != nil {
		return TaskListResult{}, err
	}
	if sess.Closed {
		sess, err = s.lists.ReopenSession(ctx, listID)
		if err != nil {
			return TaskListResult{}, classify(err)
		}
	}
	comments, err := s.sweep(ctx, listID, "session", "")
	if err != nil {
		return TaskListResult{}, err
	}
	s.presenter.ShowTaskList(sess)
	res := summarize(sess)
	res.Tasks = sess.Tasks
	res.Comments = comments
	return res, nil
}

// sweep delivers pending comments and counts them. kind is task, session or
// all, matching the three delivery rules of the store.
func (s *Service) sweep(ctx context.Context, listID, kind, taskID string) ([]tasklist.TaskComment, error) {
	var (
		out []tasklist.TaskComment
		err error
	)
	switch kind {
	case "task":
		out, err = s.lists.GetPendingCommentsForTaskAndMarkSent(ctx, listID, taskID)
	case "all":
		out, err = s.lists.GetAllPendingCommentsAndMarkSent(ctx, listID)
	default:
		out, err = s.lists.GetPendingCommentsAndMarkSent(ctx, listID)
	}
	if err != nil {
		return nil, classify(err)
	}
	if out == nil {
		out = []tasklist.TaskComment{}
	}
	s.metrics.ObserveCommentsDelivered(kind, len(out))
	return out, nil
}

func (s *Service) session(ctx context.Context, listID string) (tasklist.Session, error) {
	listID = strings.TrimSpace(listID)
	if listID == "" {
		return tasklist.Session{}, validationf("listId is required")
	}
	sess, err := s.lists.GetSession(ctx, listID)
	if err != nil {
		if errors.Is(err, tasklist.ErrSessionNotFound) {
			return tasklist.Session{}, &ToolError{Kind: KindNotFound, Msg: "task list " + listID + " not found", Err: err}
		}
		return tasklist.Session{}, classify(err)
	}
	return sess, nil
}

func summarize(sess tasklist.Session) TaskListResult {
	done, total := sess.Counts()
	return TaskListResult{
		ListID:   sess.ID,
		Title:    sess.Title,
		Closed:   sess.Closed,
		Done:     sess.Closed || (total > 0 && done == total),
		Comments: []tasklist.TaskComment{},
		Progress: Progress{Completed: done, Total: total},
	}
}

func containsCandidate(candidates []Candidate, id string) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

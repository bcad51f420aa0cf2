package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

const (
	ToolAskUser           = "ask_user"
	ToolPlanReview        = "plan_review"
	ToolWalkthroughReview = "walkthrough_review"
	ToolCreateTaskList    = "create_task_list"
	ToolGetNextTask       = "get_next_task"
	ToolUpdateTaskStatus  = "update_task_status"
	ToolAddTask           = "add_task"
	ToolAddTaskComment    = "add_task_comment"
	ToolGetTaskList       = "get_task_list"
	ToolCloseTaskList     = "close_task_list"
	ToolResumeTaskList    = "resume_task_list"
)

// ToolSpec describes a tool for agent-facing listings.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ErrorResult is the result shape of a failed tool call.
type ErrorResult struct {
	Error string    `json:"error"`
	Kind  ErrorKind `json:"kind"`
}

var ErrUnknownTool = errors.New("unknown tool")

// Call decodes args for the named tool, runs it and returns a JSON-ready
// result. Domain failures come back as an ErrorResult with isError set; only
// an unknown tool name is returned as an error.
func (s *Service) Call(ctx context.Context, name string, args json.RawMessage) (any, bool, error) {
	run, ok := s.handlers()[name]
	if !ok {
		return nil, true, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage("{}")
	}
	out, err := run(ctx, args)
	if err != nil {
		kind := ErrorKindOf(err)
		s.metrics.ObserveToolCall(name, string(kind))
		if kind == KindPersistence {
			log.Printf("orchestrator: tool %s failed: %v", name, err)
		}
		return ErrorResult{Error: classify(err).Error(), Kind: kind}, true, nil
	}
	s.metrics.ObserveToolCall(name, "ok")
	return out, false, nil
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

func (s *Service) handlers() map[string]handler {
	return map[string]handler{
		ToolAskUser: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in AskUserInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.AskUser(ctx, in)
		},
		ToolPlanReview: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in PlanReviewInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.PlanReview(ctx, in)
		},
		ToolWalkthroughReview: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in PlanReviewInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.WalkthroughReview(ctx, in)
		},
		ToolCreateTaskList: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in CreateTaskListInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.CreateTaskList(ctx, in)
		},
		ToolGetNextTask: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in ListInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.GetNextTask(ctx, in)
		},
		ToolUpdateTaskStatus: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in UpdateTaskStatusInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.UpdateTaskStatus(ctx, in)
		},
		ToolAddTask: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in AddTaskInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.AddTask(ctx, in)
		},
		ToolAddTaskComment: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in AddTaskCommentInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.AddTaskComment(ctx, in)
		},
		ToolGetTaskList: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in ListInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.GetTaskList(ctx, in)
		},
		ToolCloseTaskList: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in ListInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.CloseTaskList(ctx, in)
		},
		ToolResumeTaskList: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in ListInput
			if err := decodeArgs(raw, &in); err != nil {
				return nil, err
			}
			return s.ResumeTaskList(ctx, in)
		},
	}
}

func decodeArgs(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return validationf("invalid arguments: %v", err)
	}
	return nil
}

// Tools lists every tool with its JSON schema.
func Tools() []ToolSpec {
	str := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	boolean := func(desc string) map[string]any { return map[string]any{"type": "boolean", "description": desc} }
	object := func(props map[string]any, required ...string) map[string]any {
		if required == nil {
			required = []string{}
		}
		return map[string]any{"type": "object", "properties": props, "required": required, "additionalProperties": false}
	}
	listID := str("Task list id returned by create_task_list.")
	reviewProps := map[string]any{
		"plan":     str("The plan in Markdown."),
		"title":    str("Short title shown to the reviewer."),
		"readOnly": boolean("Present without approve/reject actions."),
		"reviewId": str("Wait again on a review that is still open."),
	}
	taskSchema := object(map[string]any{
		"title":       str("Task title."),
		"description": str("Optional details."),
		"breakpoint":  boolean("Ask the user for an instruction before this task starts."),
	}, "title")

	return []ToolSpec{
		{
			Name:        ToolAskUser,
			Description: "Ask the user a question and wait for the answer.",
			InputSchema: object(map[string]any{
				"question":  str("The question to ask."),
				"title":     str("Optional short title."),
				"agentName": str("Name of the asking agent."),
			}, "question"),
		},
		{
			Name:        ToolPlanReview,
			Description: "Show a plan to the user for approval. Returns approved, recreateWithChanges with required revisions, closed or cancelled.",
			InputSchema: object(reviewProps, "plan"),
		},
		{
			Name:        ToolWalkthroughReview,
			Description: "Walk the user through a plan step by step and wait for acknowledgement.",
			InputSchema: object(reviewProps, "plan"),
		},
		{
			Name:        ToolCreateTaskList,
			Description: "Create a task list the user can follow and comment on.",
			InputSchema: object(map[string]any{
				"title": str("List title."),
				"tasks": map[string]any{"type": "array", "items": taskSchema, "minItems": 1},
			}, "title", "tasks"),
		},
		{
			Name:        ToolGetNextTask,
			Description: "Get the next pending task with any user feedback. Marks the task in-progress.",
			InputSchema: object(map[string]any{"listId": listID}, "listId"),
		},
		{
			Name:        ToolUpdateTaskStatus,
			Description: "Set a task status. Completing the last task closes the list.",
			InputSchema: object(map[string]any{
				"listId": listID,
				"taskId": str("Task id."),
				"status": map[string]any{"type": "string", "enum": []string{"pending", "in-progress", "completed", "blocked"}},
			}, "listId", "taskId", "status"),
		},
		{
			Name:        ToolAddTask,
			Description: "Append a task to an open list.",
			InputSchema: object(map[string]any{
				"listId":      listID,
				"title":       str("Task title."),
				"description": str("Optional details."),
				"breakpoint":  boolean("Ask the user for an instruction before this task starts."),
			}, "listId", "title"),
		},
		{
			Name:        ToolAddTaskComment,
			Description: "Attach feedback to a task. A reopened comment on a completed task sends it back to pending.",
			InputSchema: object(map[string]any{
				"listId":              listID,
				"taskId":              str("Task id."),
				"revisedPart":         str("The part of the task the feedback refers to."),
				"revisorInstructions": str("What should change."),
				"reopened":            boolean("Reopen the task if it is completed."),
			}, "listId", "taskId", "revisorInstructions"),
		},
		{
			Name:        ToolGetTaskList,
			Description: "Read a task list without consuming feedback.",
			InputSchema: object(map[string]any{"listId": listID}, "listId"),
		},
		{
			Name:        ToolCloseTaskList,
			Description: "Close a task list and receive all remaining feedback.",
			InputSchema: object(map[string]any{"listId": listID}, "listId"),
		},
		{
			Name:        ToolResumeTaskList,
			Description: "Resume a task list. Without listId the open list is used, or the user picks one.",
			InputSchema: object(map[string]any{"listId": listID}),
		},
	}
}

// ToolNames returns the names of all tools in listing order.
func ToolNames() []string {
	specs := Tools()
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.Name)
	}
	return out
}

// IsTool reports whether name is a known tool.
func IsTool(name string) bool {
	for _, n := range ToolNames() {
		if n == name {
			return true
		}
	}
	return false
}

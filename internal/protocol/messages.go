package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/humanloop/internal/askuser"
	"github.com/ent0n29/humanloop/internal/review"
	"github.com/ent0n29/humanloop/internal/tasklist"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Server to UI events.
const (
	TypeHello             MessageType = "hello"
	TypeQuestionShown     MessageType = "question_shown"
	TypeQuestionDismissed MessageType = "question_dismissed"
	TypeReviewShown       MessageType = "review_shown"
	TypeReviewClosed      MessageType = "review_closed"
	TypeTaskListUpdated   MessageType = "tasklist_updated"
	TypePromptShown       MessageType = "prompt_shown"
	TypePromptDismissed   MessageType = "prompt_dismissed"
	TypeRefresh           MessageType = "refresh"
	TypeAck               MessageType = "ack"
	TypeErrorEvent        MessageType = "error_event"
)

// UI to server messages.
const (
	TypePing              MessageType = "ping"
	TypeAnswerQuestion    MessageType = "answer_question"
	TypeCancelQuestion    MessageType = "cancel_question"
	TypeSelectQuestion    MessageType = "select_question"
	TypeReviewAction      MessageType = "review_action"
	TypeReviewComment     MessageType = "review_comment"
	TypeReviewPanelClosed MessageType = "review_panel_closed"
	TypeReviewReopen      MessageType = "review_reopen"
	TypePromptAnswer      MessageType = "prompt_answer"
	TypeTaskComment       MessageType = "task_comment"
	TypeTaskCommentEdit   MessageType = "task_comment_edit"
	TypeTaskCommentDelete MessageType = "task_comment_delete"
	TypeTaskBreakpoint    MessageType = "task_breakpoint"
)

type PromptKind string

const (
	PromptBreakpoint     PromptKind = "breakpoint"
	PromptDisambiguation PromptKind = "disambiguation"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type Hello struct {
	Type       MessageType `json:"type"`
	ClientID   string      `json:"clientId"`
	ServerTime time.Time   `json:"serverTime"`
}

type QuestionShown struct {
	Type     MessageType     `json:"type"`
	Question askuser.Request `json:"question"`
}

type QuestionDismissed struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id"`
	Reason string      `json:"reason"`
}

type ReviewShown struct {
	Type   MessageType `json:"type"`
	Review review.View `json:"review"`
}

type ReviewClosed struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type TaskListUpdated struct {
	Type MessageType      `json:"type"`
	List tasklist.Session `json:"list"`
}

// ListChoice is one open task list offered for disambiguation.
type ListChoice struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Completed    int       `json:"completed"`
	Total        int       `json:"total"`
	LastActivity time.Time `json:"lastActivity"`
}

// Prompt asks the UI for a short answer on behalf of a blocked tool call.
type Prompt struct {
	ID        string             `json:"id"`
	Kind      PromptKind         `json:"kind"`
	ListID    string             `json:"listId,omitempty"`
	Task      *tasklist.TaskItem `json:"task,omitempty"`
	Choices   []ListChoice       `json:"choices,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

type PromptShown struct {
	Type   MessageType `json:"type"`
	Prompt Prompt      `json:"prompt"`
}

type PromptDismissed struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id"`
	Reason string      `json:"reason"`
}

type Refresh struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

type Ack struct {
	Type MessageType `json:"type"`
	For  MessageType `json:"for"`
	ID   string      `json:"id,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
	Retryable bool        `json:"retryable"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type AnswerQuestion struct {
	Type        MessageType `json:"type"`
	ID          string      `json:"id"`
	Response    string      `json:"response"`
	Attachments []string    `json:"attachments,omitempty"`
}

// CancelQuestion dismisses a question by id. Older clients send only the
// question text and title.
type CancelQuestion struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id,omitempty"`
	Question string      `json:"question,omitempty"`
	Title    string      `json:"title,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

type SelectQuestion struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type ReviewAction struct {
	Type   MessageType   `json:"type"`
	ID     string        `json:"id"`
	Action review.Action `json:"action"`
}

type ReviewComment struct {
	Type                MessageType `json:"type"`
	ID                  string      `json:"id"`
	Op                  string      `json:"op"`
	Index               int         `json:"index,omitempty"`
	RevisedPart         string      `json:"revisedPart,omitempty"`
	RevisorInstructions string      `json:"revisorInstructions,omitempty"`
}

type ReviewPanel struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type PromptAnswer struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Text      string      `json:"text,omitempty"`
	Choice    string      `json:"choice,omitempty"`
	Dismissed bool        `json:"dismissed,omitempty"`
}

type TaskComment struct {
	Type                MessageType `json:"type"`
	ListID              string      `json:"listId"`
	TaskID              string      `json:"taskId"`
	CommentID           string      `json:"commentId,omitempty"`
	RevisedPart         string      `json:"revisedPart,omitempty"`
	RevisorInstructions string      `json:"revisorInstructions,omitempty"`
	Reopened            bool        `json:"reopened,omitempty"`
}

type TaskBreakpoint struct {
	Type       MessageType `json:"type"`
	ListID     string      `json:"listId"`
	TaskID     string      `json:"taskId"`
	Breakpoint bool        `json:"breakpoint"`
}

// ParseClientMessage decodes and validates one UI message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		return Ping{Type: TypePing}, nil
	case TypeAnswerQuestion:
		var msg AnswerQuestion
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" {
			return nil, invalid(env.Type, "id is required")
		}
		return msg, nil
	case TypeCancelQuestion:
		var msg CancelQuestion
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" && strings.TrimSpace(msg.Question) == "" {
			return nil, invalid(env.Type, "id or question is required")
		}
		return msg, nil
	case TypeSelectQuestion:
		var msg SelectQuestion
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" {
			return nil, invalid(env.Type, "id is required")
		}
		return msg, nil
	case TypeReviewAction:
		var msg ReviewAction
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" || msg.Action == "" {
			return nil, invalid(env.Type, "id and action are required")
		}
		return msg, nil
	case TypeReviewComment:
		var msg ReviewComment
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Op {
		case "add", "edit", "remove":
		default:
			return nil, invalid(env.Type, "op must be add, edit or remove")
		}
		if msg.ID == "" {
			return nil, invalid(env.Type, "id is required")
		}
		return msg, nil
	case TypeReviewPanelClosed, TypeReviewReopen:
		var msg ReviewPanel
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" {
			return nil, invalid(env.Type, "id is required")
		}
		return msg, nil
	case TypePromptAnswer:
		var msg PromptAnswer
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" {
			return nil, invalid(env.Type, "id is required")
		}
		return msg, nil
	case TypeTaskComment, TypeTaskCommentEdit, TypeTaskCommentDelete:
		var msg TaskComment
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ListID == "" || msg.TaskID == "" {
			return nil, invalid(env.Type, "listId and taskId are required")
		}
		if env.Type != TypeTaskComment && msg.CommentID == "" {
			return nil, invalid(env.Type, "commentId is required")
		}
		if env.Type != TypeTaskCommentDelete && strings.TrimSpace(msg.RevisorInstructions) == "" {
			return nil, invalid(env.Type, "revisorInstructions is required")
		}
		return msg, nil
	case TypeTaskBreakpoint:
		var msg TaskBreakpoint
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ListID == "" || msg.TaskID == "" {
			return nil, invalid(env.Type, "listId and taskId are required")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func decode(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func invalid(t MessageType, detail string) error {
	return fmt.Errorf("invalid %s: %s", t, detail)
}

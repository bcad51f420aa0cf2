package interactions

import "time"

type Type string

const (
	TypeAskUser    Type = "ask_user"
	TypePlanReview Type = "plan_review"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusApproved            Status = "approved"
	StatusRecreateWithChanges Status = "recreateWithChanges"
	StatusAcknowledged        Status = "acknowledged"
	StatusClosed              Status = "closed"
	StatusCancelled           Status = "cancelled"
)

type Mode string

const (
	ModeReview      Mode = "review"
	ModeWalkthrough Mode = "walkthrough"
)

// RevisionComment is a reviewer note attached to part of a plan.
type RevisionComment struct {
	RevisedPart         string `json:"revisedPart"`
	RevisorInstructions string `json:"revisorInstructions"`
}

// Interaction is one entry of the interaction history.
type Interaction struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Title     string `json:"title,omitempty"`

	Question    string   `json:"question,omitempty"`
	AgentName   string   `json:"agentName,omitempty"`
	Response    string   `json:"response,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Cancelled   bool     `json:"cancelled,omitempty"`

	Plan              string            `json:"plan,omitempty"`
	Mode              Mode              `json:"mode,omitempty"`
	ReadOnly          bool              `json:"readOnly,omitempty"`
	Status            Status            `json:"status,omitempty"`
	RequiredRevisions []RevisionComment `json:"requiredRevisions,omitempty"`
	ResolvedAt        *time.Time        `json:"resolvedAt,omitempty"`
}

// Patch carries the fields Update merges into a stored Interaction.
// Nil fields are left untouched.
type Patch struct {
	Title             *string
	Response          *string
	Attachments       []string
	Cancelled         *bool
	Plan              *string
	Status            *Status
	RequiredRevisions []RevisionComment
	ResolvedAt        *time.Time
}

// Completed reports whether the record left its pending state.
func (i Interaction) Completed() bool {
	if i.Type == TypePlanReview {
		return i.Status != StatusPending
	}
	return true
}

// CreatedAt returns Timestamp as a time.
func (i Interaction) CreatedAt() time.Time {
	return time.UnixMilli(i.Timestamp).UTC()
}

func (i Interaction) Clone() Interaction {
	out := i
	if i.Attachments != nil {
		out.Attachments = append([]string(nil), i.Attachments...)
	}
	if i.RequiredRevisions != nil {
		out.RequiredRevisions = append([]RevisionComment(nil), i.RequiredRevisions...)
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func (p Patch) apply(i *Interaction) {
	if p.Title != nil {
		i.Title = *p.Title
	}
	if p.Response != nil {
		i.Response = *p.Response
	}
	if p.Attachments != nil {
		i.Attachments = append([]string(nil), p.Attachments...)
	}
	if p.Cancelled != nil {
		i.Cancelled = *p.Cancelled
	}
	if p.Plan != nil {
		i.Plan = *p.Plan
	}
	if p.Status != nil {
		i.Status = *p.Status
	}
	if p.RequiredRevisions != nil {
		i.RequiredRevisions = append([]RevisionComment(nil), p.RequiredRevisions...)
	}
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		i.ResolvedAt = &t
	}
}

type EventType string

const (
	EventSaved   EventType = "saved"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
	EventCleared EventType = "cleared"
)

// Event notifies subscribers that the history changed.
type Event struct {
	Type EventType `json:"type"`
	IDs  []string  `json:"ids"`
	At   time.Time `json:"at"`
}

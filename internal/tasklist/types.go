package tasklist

import "time"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// Valid reports whether s is one of the known task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

type CommentStatus string

const (
	CommentStatusPending CommentStatus = "pending"
	CommentStatusSent    CommentStatus = "sent"
)

// TaskComment is human feedback on a task. It reaches the agent once.
type TaskComment struct {
	ID                  string        `json:"id"`
	TaskID              string        `json:"taskId"`
	RevisedPart         string        `json:"revisedPart"`
	RevisorInstructions string        `json:"revisorInstructions"`
	Status              CommentStatus `json:"status"`
	Reopened            bool          `json:"reopened"`
	CreatedAt           time.Time     `json:"createdAt"`
	SentAt              *time.Time    `json:"sentAt,omitempty"`
}

type TaskItem struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      TaskStatus    `json:"status"`
	Breakpoint  bool          `json:"breakpoint,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   *time.Time    `json:"updatedAt,omitempty"`
	Comments    []TaskComment `json:"comments"`
}

// Session is a task list owned by one agent conversation.
type Session struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	Closed       bool       `json:"closed"`
	Tasks        []TaskItem `json:"tasks"`
}

// TaskInput describes a task to add.
type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Breakpoint  bool   `json:"breakpoint,omitempty"`
}

// CommentInput describes a comment to attach to a task.
type CommentInput struct {
	RevisedPart         string `json:"revisedPart"`
	RevisorInstructions string `json:"revisorInstructions"`
	Reopened            bool   `json:"reopened"`
}

// UpdateResult reports the outcome of UpdateTask. AutoCompleted is set when
// the update completed the last open task and closed the session.
type UpdateResult struct {
	Updated       bool `json:"updated"`
	AutoCompleted bool `json:"autoCompleted"`
}

func (s Session) Clone() Session {
	out := s
	if s.Tasks != nil {
		out.Tasks = make([]TaskItem, len(s.Tasks))
		for i, t := range s.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	return out
}

func (t TaskItem) Clone() TaskItem {
	out := t
	if t.UpdatedAt != nil {
		u := *t.UpdatedAt
		out.UpdatedAt = &u
	}
	if t.Comments != nil {
		out.Comments = make([]TaskComment, len(t.Comments))
		for i, c := range t.Comments {
			out.Comments[i] = c.Clone()
		}
	}
	return out
}

func (c TaskComment) Clone() TaskComment {
	out := c
	if c.SentAt != nil {
		s := *c.SentAt
		out.SentAt = &s
	}
	return out
}

// AllCompleted reports whether the session has tasks and every one is completed.
func (s Session) AllCompleted() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, t := range s.Tasks {
		if t.Status != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Counts returns the number of completed tasks and the total.
func (s Session) Counts() (done, total int) {
	for _, t := range s.Tasks {
		if t.Status == TaskStatusCompleted {
			done++
		}
	}
	return done, len(s.Tasks)
}

func (s *Session) task(id string) *TaskItem {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// nextPending points at the next pending task. Reopened tasks go first.
func (s *Session) nextPending() *TaskItem {
	var first *TaskItem
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if t.Status != TaskStatusPending {
			continue
		}
		if t.hasReopenedComment() {
			return t
		}
		if first == nil {
			first = t
		}
	}
	return first
}

func (t TaskItem) hasReopenedComment() bool {
	for _, c := range t.Comments {
		if c.Reopened {
			return true
		}
	}
	return false
}

// PendingComments returns comments not yet delivered to the agent.
func (t TaskItem) PendingComments() []TaskComment {
	var out []TaskComment
	for _, c := range t.Comments {
		if c.Status == CommentStatusPending {
			out = append(out, c.Clone())
		}
	}
	return out
}

type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventSessionUpdated EventType = "session_updated"
	EventSessionClosed  EventType = "session_closed"
	EventSessionDeleted EventType = "session_deleted"
	EventCommentAdded   EventType = "comment_added"
)

type Event struct {
	Type   EventType `json:"type"`
	ListID string    `json:"listId"`
	TaskID string    `json:"taskId,omitempty"`
	At     time.Time `json:"at"`
}

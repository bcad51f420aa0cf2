// Package tasklist persists agent task lists and the human comment queue
// attached to each task.
package tasklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/humanloop/internal/idgen"
	"github.com/ent0n29/humanloop/internal/kvstore"
)

const collectionKey = "tasklists"

var (
	ErrSessionNotFound = errors.New("task list not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrCommentNotFound = errors.New("comment not found")
	ErrSessionClosed   = errors.New("task list is closed")
	ErrCommentSent     = errors.New("comment was already delivered")
	ErrInvalidStatus   = errors.New("invalid task status")
)

// Store owns every task list. Each mutation loads the full collection,
// applies the change and writes it back while mu is held, so a comment is
// marked sent in the same critical section that reads it.
type Store struct {
	mu  sync.Mutex
	kv  kvstore.Store
	now func() time.Time

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

func NewStore(kv kvstore.Store) *Store {
	return &Store{
		kv:          kv,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[int]chan Event),
	}
}

func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

// CreateSession stores a new open task list with the given tasks in order.
func (s *Store) CreateSession(ctx context.Context, title string, tasks []TaskInput) (Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Session{}, errors.New("task list title is required")
	}
	now := s.now()
	sess := Session{
		ID:           idgen.NewAt("list", now),
		Title:        title,
		CreatedAt:    now,
		LastActivity: now,
		Tasks:        make([]TaskItem, 0, len(tasks)),
	}
	for _, in := range tasks {
		item, err := newTask(in, now)
		if err != nil {
			return Session{}, err
		}
		sess.Tasks = append(sess.Tasks, item)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		return Session{}, err
	}
	all = append(all, sess)
	if err := s.saveLocked(ctx, all); err != nil {
		return Session{}, err
	}
	s.publish(Event{Type: EventSessionCreated, ListID: sess.ID, At: now})
	return sess.Clone(), nil
}

func (s *Store) GetSession(ctx context.Context, listID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		return Session{}, err
	}
	for _, sess := range all {
		if sess.ID == listID {
			return sess, nil
		}
	}
	return Session{}, ErrSessionNotFound
}

// ListSessions returns every task list, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	all, err := s.loadLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].LastActivity.After(all[j].LastActivity)
	})
	return all, nil
}

// GetOpenSessions returns task lists that are not closed.
func (s *Store) GetOpenSessions(ctx context.Context) ([]Session, error) {
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sess := range all {
		if !sess.Closed {
			out = append(out, sess)
		}
	}
	return out, nil
}

// AddTask appends a task to an open list.
func (s *Store) AddTask(ctx context.Context, listID string, in TaskInput) (TaskItem, error) {
	var added TaskItem
	err := s.mutate(ctx, listID, func(sess *Session, now time.Time) (EventType, error) {
		if sess.Closed {
			return "", ErrSessionClosed
		}
		item, err := newTask(in, now)
		if err != nil {
			return "", err
		}
		sess.Tasks = append(sess.Tasks, item)
		added = item.Clone()
		return EventSessionUpdated, nil
	})
	return added, err
}

// UpdateTask sets the status of a task. When every task of the list is
// completed afterwards the list closes and AutoCompleted is reported.
// Closed lists reject updates with ErrSessionClosed.
func (s *Store) UpdateTask(ctx context.Context, listID, taskID string, status TaskStatus) (UpdateResult, error) {
	if !status.Valid() {
		return UpdateResult{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	var res UpdateResult
	err := s.mutate(ctx, listID, func(sess *Session, now time.Time) (EventType, error) {
		if sess.Closed {
			return "", ErrSessionClosed
		}
		task := sess.task(taskID)
		if task == nil {
			return "", ErrTaskNotFound
		}
		task.Status = status
		task.UpdatedAt = &now
		res.Updated = true
		if sess.AllCompleted() {
			sess.Closed = true
			res.AutoCompleted = true
			return EventSessionClosed, nil
		}
		return EventSessionUpdated, nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return res, nil
}

// SetBreakpoint toggles the breakpoint flag on a task.
func (s *Store) SetBreakpoint(ctx context.Context, listID, taskID string, on bool) error {
	return s.mutate(ctx, listID, func(sess *Session, now time.Time) (EventType, error) {
		task := sess.task(taskID)
		if task == nil {
			return "", ErrTaskNotFound
		}
		task.Breakpoint = on
		task.UpdatedAt = &now
		return EventSessionUpdated, nil
	})
}

// AddComment queues feedback on a task. Closed lists still accept comments.
// A reopened comment on a completed task moves the task back to pending.
func (s *Store) AddComment(ctx context.Context, listID, taskID string, in CommentInput) (TaskComment, error) {
	instructions := strings.TrimSpace(in.RevisorInstructions)
	if instructions == "" {
		return TaskComment{}, errors.New("comment instructions are required")
	}
	var added TaskComment
	err := s.mutate(ctx, listID, func(sess *Session, now time.Time) (EventType, error) {
		task := sess.task(taskID)
		if task == nil {
			return "", ErrTaskNotFound
		}
		c := TaskComment{
			ID:                  idgen.NewAt("comment", now),
			TaskID:              task.ID,
			RevisedPart:         strings.TrimSpace(in.RevisedPart),
			RevisorInstructions: instructions,
			Status:              CommentStatusPending,
			Reopened:            in.Reopened,
			CreatedAt:           now,
		}
		task.Comments = append(task.Comments, c)
		if c.Reopened && task.Status == TaskStatusCompleted {
			task.Status = TaskStatusPending
			task.UpdatedAt = &now
		}
		added = c
		return EventCommentAdded, nil
	})
	return added, err
}

// EditComment rewrites the instructions of a comment that was not delivered yet.
func (s *Store) EditComment(ctx context.Context, listID, taskID, commentID, instructions string) (TaskComment, error) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return TaskComment{}, errors.New("comment instructions are required")
	}
	var edited TaskComment
	err := s.mutate(ctx, listID, func(sess *Session, _ time.Time) (EventType, error) {
		c, err := pendingComment(sess, taskID, commentID)
		if err != nil {
			return "", err
		}
		c.RevisorInstructions = instructions
		edited = c.Clone()
		return EventSessionUpdated, nil
	})
	return edited, err
}

// DeleteComment removes a comment that was not delivered yet.
func (s *Store) DeleteComment(ctx context.Context, listID, taskID, commentID string) error {
	return s.mutate(ctx, listID, func(sess *Session, _ time.Time) (EventType, error) {
		if _, err := pendingComment(sess, taskID, commentID); err != nil {
			return "", err
		}
		task := sess.task(taskID)
		kept := task.Comments[:0]
		for _, c := range task.Comments {
			if c.ID != commentID {
				kept = append(kept, c)
			}
		}
		task.Comments = kept
		return EventSessionUpdated, nil
	})
}

// GetNextPendingTask returns the task the agent should work on next. Pending
// tasks carrying a reopened comment come before plain pending tasks; within
// each group list order wins.
func (s *Store) GetNextPendingTask(ctx context.Context, listID string) (TaskItem, bool, error) {
	sess, err := s.GetSession(ctx, listID)
	if err != nil {
		return TaskItem{}, false, err
	}
	next := sess.nextPending()
	if next == nil {
		return TaskItem{}, false, nil
	}
	return next.Clone(), true, nil
}

// ClaimNextPendingTask picks the next task like GetNextPendingTask and marks
// it in progress in the same write, so two callers never get the same task.
func (s *Store) ClaimNextPendingTask(ctx context.Context, listID string) (TaskItem, bool, error) {
	var claimed TaskItem
	err := s.mutate(ctx, listID, func(sess *Session, now time.Time) (EventType, error) {
		if sess.Closed {
			return "", ErrSessionClosed
		}
		next := sess.nextPending()
		if next == nil {
			return "", errNoChange
		}
		next.Status = TaskStatusInProgress
		next.UpdatedAt = &now
		claimed = next.Clone()
		return EventSessionUpdated, nil
	})
	if errors.Is(err, errNoChange) {
		return TaskItem{}, false, nil
	}
	if err != nil {
		return TaskItem{}, false, err
	}
	return claimed, true, nil
}

// GetPendingCommentsForTaskAndMarkSent delivers the pending comments of one
// task regardless of its status.
func (s *Store) GetPendingCommentsForTaskAndMarkSent(ctx context.Context, listID, taskID string) ([]TaskComment, error) {
	var found bool
	out, err := s.markSent(ctx, listID, func(t TaskItem) bool {
		if t.ID == taskID {
			found = true
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTaskNotFound
	}
	return out, nil
}

// GetPendingCommentsAndMarkSent delivers pending comments on tasks the agent
// already reached. Tasks still pending are skipped.
func (s *Store) GetPendingCommentsAndMarkSent(ctx context.Context, listID string) ([]TaskComment, error) {
	return s.markSent(ctx, listID, func(t TaskItem) bool {
		return t.Status != TaskStatusPending
	})
}

// GetAllPendingCommentsAndMarkSent delivers every pending comment of the list.
func (s *Store) GetAllPendingCommentsAndMarkSent(ctx context.Context, listID string) ([]TaskComment, error) {
	return s.markSent(ctx, listID, func(TaskItem) bool { return true })
}

func (s *Store) markSent(ctx context.Context, listID string, include func(TaskItem) bool) ([]TaskComment, error) {
	var out []TaskComment
	err := s.mutate(ctx, listID, func(sess *Session, now time.Time) (EventType, error) {
		for i := range sess.Tasks {
			t := &sess.Tasks[i]
			if !include(*t) {
				continue
			}
			for j := range t.Comments {
				c := &t.Comments[j]
				if c.Status != CommentStatusPending {
					continue
				}
				c.Status = CommentStatusSent
				sentAt := now
				c.SentAt = &sentAt
				out = append(out, c.Clone())
			}
		}
		if len(out) == 0 {
			return "", errNoChange
		}
		return EventSessionUpdated, nil
	})
	if errors.Is(err, errNoChange) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []TaskComment{}
	}
	return out, nil
}

// CloseSession closes a list on request.
func (s *Store) CloseSession(ctx context.Context, listID string) (Session, error) {
	return s.setClosed(ctx, listID, true)
}

// ReopenSession marks a closed list open again and persists the change.
func (s *Store) ReopenSession(ctx context.Context, listID string) (Session, error) {
	return s.setClosed(ctx, listID, false)
}

func (s *Store) setClosed(ctx context.Context, listID string, closed bool) (Session, error) {
	var out Session
	err := s.mutate(ctx, listID, func(sess *Session, _ time.Time) (EventType, error) {
		sess.Closed = closed
		out = sess.Clone()
		if closed {
			return EventSessionClosed, nil
		}
		return EventSessionUpdated, nil
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

// DeleteSession removes a list. It reports false when the id is unknown.
func (s *Store) DeleteSession(ctx context.Context, listID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	for i := range all {
		if all[i].ID != listID {
			continue
		}
		all = append(all[:i], all[i+1:]...)
		if err := s.saveLocked(ctx, all); err != nil {
			return false, err
		}
		s.publish(Event{Type: EventSessionDeleted, ListID: listID, At: s.now()})
		return true, nil
	}
	return false, nil
}

var errNoChange = errors.New("no change")

// mutate runs fn on the list listID and persists the result unless fn fails.
// Returning errNoChange skips the write without surfacing an error.
func (s *Store) mutate(ctx context.Context, listID string, fn func(*Session, time.Time) (EventType, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].ID != listID {
			continue
		}
		now := s.now()
		evtType, err := fn(&all[i], now)
		if err != nil {
			return err
		}
		all[i].LastActivity = now
		if err := s.saveLocked(ctx, all); err != nil {
			return err
		}
		evt := Event{Type: evtType, ListID: listID, At: now}
		s.publish(evt)
		return nil
	}
	return ErrSessionNotFound
}

func (s *Store) loadLocked(ctx context.Context) ([]Session, error) {
	raw, err := s.kv.Get(ctx, collectionKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("load task lists: %w", err)
	}
	var all []Session
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode task lists: %w", err)
	}
	return all, nil
}

func (s *Store) saveLocked(ctx context.Context, all []Session) error {
	if all == nil {
		all = []Session{}
	}
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode task lists: %w", err)
	}
	if err := s.kv.Put(ctx, collectionKey, raw); err != nil {
		return fmt.Errorf("save task lists: %w", err)
	}
	return nil
}

func (s *Store) publish(evt Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func newTask(in TaskInput, now time.Time) (TaskItem, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return TaskItem{}, errors.New("task title is required")
	}
	return TaskItem{
		ID:          idgen.NewAt("task", now),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      TaskStatusPending,
		Breakpoint:  in.Breakpoint,
		CreatedAt:   now,
		Comments:    []TaskComment{},
	}, nil
}

func pendingComment(sess *Session, taskID, commentID string) (*TaskComment, error) {
	task := sess.task(taskID)
	if task == nil {
		return nil, ErrTaskNotFound
	}
	for i := range task.Comments {
		if task.Comments[i].ID != commentID {
			continue
		}
		if task.Comments[i].Status != CommentStatusPending {
			return nil, ErrCommentSent
		}
		return &task.Comments[i], nil
	}
	return nil, ErrCommentNotFound
}

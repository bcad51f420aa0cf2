// Package interactions keeps the durable history of ask_user and plan_review
// interactions.
package interactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/humanloop/internal/kvstore"
)

const collectionKey = "interactions"

var ErrNotFound = errors.New("interaction not found")

// Store is the interaction history. Every mutation rewrites the whole
// collection while holding mu.
type Store struct {
	mu sync.Mutex
	kv kvstore.Store

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

func NewStore(kv kvstore.Store) *Store {
	return &Store{
		kv:          kv,
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe returns a channel of change events and its unsubscribe func.
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

// Save upserts rec by id.
func (s *Store) Save(ctx context.Context, rec Interaction) error {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" {
		return errors.New("interaction id is required")
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range all {
		if all[i].ID == rec.ID {
			all[i] = rec.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		all = append(all, rec.Clone())
	}
	if err := s.saveLocked(ctx, all); err != nil {
		return err
	}
	s.publish(EventSaved, rec.ID)
	return nil
}

// Get returns one interaction by id.
func (s *Store) Get(ctx context.Context, id string) (Interaction, error) {
	all, err := s.snapshot(ctx)
	if err != nil {
		return Interaction{}, err
	}
	for _, rec := range all {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Interaction{}, ErrNotFound
}

// GetAll returns every interaction, newest first.
func (s *Store) GetAll(ctx context.Context) ([]Interaction, error) {
	all, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(all)
	return all, nil
}

func (s *Store) GetByType(ctx context.Context, typ Type) ([]Interaction, error) {
	return s.filter(ctx, func(rec Interaction) bool { return rec.Type == typ })
}

// GetPendingPlanReviews returns plan reviews the agent is still waiting on.
func (s *Store) GetPendingPlanReviews(ctx context.Context) ([]Interaction, error) {
	return s.filter(ctx, func(rec Interaction) bool {
		return rec.Type == TypePlanReview && rec.Status == StatusPending
	})
}

func (s *Store) GetCompleted(ctx context.Context) ([]Interaction, error) {
	return s.filter(ctx, Interaction.Completed)
}

// Update merges patch into the record with id. It reports false when the id
// does not exist.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	for i := range all {
		if all[i].ID != id {
			continue
		}
		patch.apply(&all[i])
		if err := s.saveLocked(ctx, all); err != nil {
			return false, err
		}
		s.publish(EventUpdated, id)
		return true, nil
	}
	return false, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.DeleteMany(ctx, []string{id})
	return n > 0, err
}

// DeleteMany removes the given ids and returns how many were removed.
func (s *Store) DeleteMany(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	return s.removeWhere(ctx, EventDeleted, func(rec Interaction) bool { return drop[rec.ID] })
}

// ClearCompleted removes everything except plan reviews that are still
// pending.
func (s *Store) ClearCompleted(ctx context.Context) (int, error) {
	return s.removeWhere(ctx, EventCleared, func(rec Interaction) bool {
		return !(rec.Type == TypePlanReview && rec.Status == StatusPending)
	})
}

func (s *Store) removeWhere(ctx context.Context, evt EventType, match func(Interaction) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		return 0, err
	}
	kept := all[:0]
	var removed []string
	for _, rec := range all {
		if match(rec) {
			removed = append(removed, rec.ID)
			continue
		}
		kept = append(kept, rec)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.saveLocked(ctx, kept); err != nil {
		return 0, err
	}
	s.publish(evt, removed...)
	return len(removed), nil
}

func (s *Store) filter(ctx context.Context, keep func(Interaction) bool) ([]Interaction, error) {
	all, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Interaction, 0, len(all))
	for _, rec := range all {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) snapshot(ctx context.Context) ([]Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) ([]Interaction, error) {
	raw, err := s.kv.Get(ctx, collectionKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return []Interaction{}, nil
		}
		return nil, fmt.Errorf("load interactions: %w", err)
	}
	var all []Interaction
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode interactions: %w", err)
	}
	return all, nil
}

func (s *Store) saveLocked(ctx context.Context, all []Interaction) error {
	if all == nil {
		all = []Interaction{}
	}
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode interactions: %w", err)
	}
	if err := s.kv.Put(ctx, collectionKey, raw); err != nil {
		return fmt.Errorf("save interactions: %w", err)
	}
	return nil
}

func (s *Store) publish(typ EventType, ids ...string) {
	evt := Event{Type: typ, IDs: ids, At: time.Now().UTC()}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func sortNewestFirst(in []Interaction) {
	sort.SliceStable(in, func(i, j int) bool {
		return in[i].Timestamp > in[j].Timestamp
	})
}

// Package cached decorates a SessionStore with an in-process LRU of
// conversations.
package cached

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
)

const defaultCacheSize = 256

// Store serves Get from the cache and forwards everything else. The cache is
// written only after the wrapped store accepted the write, so a failed write
// never leaves a stale entry behind.
type Store struct {
	ports.SessionStore
	cache *lru.Cache[string, *mission.Conversation]
}

// New wraps inner. size <= 0 selects the default capacity.
func New(inner ports.SessionStore, size int) *Store {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *mission.Conversation](size)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		panic(err)
	}
	return &Store{SessionStore: inner, cache: cache}
}

// Get returns a copy of the cached conversation, loading it on a miss.
func (s *Store) Get(ctx context.Context, id string) (*mission.Conversation, error) {
	if conv, ok := s.cache.Get(id); ok {
		return conv.Clone(), nil
	}
	conv, err := s.SessionStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, conv.Clone())
	return conv, nil
}

func (s *Store) Create(ctx context.Context, id string) (*mission.Conversation, error) {
	conv, err := s.SessionStore.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(conv)
	return conv, nil
}

func (s *Store) AddMessage(ctx context.Context, id, role, content string) (*mission.Conversation, error) {
	conv, err := s.SessionStore.AddMessage(ctx, id, role, content)
	if err != nil {
		return nil, err
	}
	s.remember(conv)
	return conv, nil
}

func (s *Store) AppendMessage(ctx context.Context, id string, msg mission.Message) (*mission.Conversation, error) {
	conv, err := s.SessionStore.AppendMessage(ctx, id, msg)
	if err != nil {
		return nil, err
	}
	s.remember(conv)
	return conv, nil
}

// SaveState updates the cached copy in place when present.
func (s *Store) SaveState(ctx context.Context, id string, state mission.SessionState) error {
	if err := s.SessionStore.SaveState(ctx, id, state); err != nil {
		return err
	}
	cachedConv, ok := s.cache.Peek(id)
	if !ok {
		return nil
	}
	next := cachedConv.Clone()
	next.Status = state.Status
	next.MissingFields = append([]string(nil), state.MissingFields...)
	next.Plan = nil
	if state.Plan != nil {
		plan := mission.Plan{ID: state.Plan.ID, Tasks: append([]mission.PlannedTask(nil), state.Plan.Tasks...)}
		next.Plan = &plan
	}
	next.Pending = nil
	if state.Pending != nil {
		pending := *state.Pending
		next.Pending = &pending
	}
	next.UpdatedAt = time.Now()
	s.cache.Add(id, next)
	return nil
}

// ListTasks forwards to the wrapped store when it can list tasks.
func (s *Store) ListTasks(ctx context.Context, runID string) ([]mission.PlannedTask, error) {
	lister, ok := s.SessionStore.(interface {
		ListTasks(context.Context, string) ([]mission.PlannedTask, error)
	})
	if !ok {
		return nil, nil
	}
	return lister.ListTasks(ctx, runID)
}

// Invalidate drops id from the cache.
func (s *Store) Invalidate(id string) {
	s.cache.Remove(id)
}

// Len reports the number of cached conversations.
func (s *Store) Len() int {
	return s.cache.Len()
}

func (s *Store) remember(conv *mission.Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}
	s.cache.Add(conv.ID, conv.Clone())
}

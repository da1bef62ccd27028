package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// MemoryConversations is a process-local conversation store. Reservation
// is atomic through sync.Map.LoadOrStore and saves use CompareAndSwap, so
// the semantics match the SQL stores.
type MemoryConversations struct {
	m sync.Map // id -> *domain.Conversation
}

// NewMemoryConversations creates an empty in-memory store.
func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{}
}

// Reserve stores c unless its id is taken.
func (s *MemoryConversations) Reserve(_ context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	stored, err := clone(c)
	if err != nil {
		return nil, false, err
	}
	actual, loaded := s.m.LoadOrStore(c.ID, stored)
	if !loaded {
		return c, true, nil
	}
	existing, err := clone(actual.(*domain.Conversation))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Save replaces an in-progress conversation with c.
func (s *MemoryConversations) Save(_ context.Context, c *domain.Conversation) error {
	old, ok := s.m.Load(c.ID)
	if !ok || old.(*domain.Conversation).Status != domain.ConversationInProgress {
		return domain.ErrOptimisticLock
	}
	stored, err := clone(c)
	if err != nil {
		return err
	}
	if !s.m.CompareAndSwap(c.ID, old, stored) {
		return domain.ErrOptimisticLock
	}
	return nil
}

// Release deletes the conversation with id if it is still in progress.
func (s *MemoryConversations) Release(_ context.Context, id string) error {
	v, ok := s.m.Load(id)
	if !ok || v.(*domain.Conversation).Status != domain.ConversationInProgress {
		return nil
	}
	s.m.CompareAndDelete(id, v)
	return nil
}

// Get returns a copy of the conversation with id.
func (s *MemoryConversations) Get(_ context.Context, id string) (*domain.Conversation, error) {
	v, ok := s.m.Load(id)
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return clone(v.(*domain.Conversation))
}

// List returns up to limit conversations, newest first.
func (s *MemoryConversations) List(_ context.Context, limit int) ([]*domain.Conversation, error) {
	var all []*domain.Conversation
	var cloneErr error
	s.m.Range(func(_, v any) bool {
		c, err := clone(v.(*domain.Conversation))
		if err != nil {
			cloneErr = err
			return false
		}
		all = append(all, c)
		return true
	})
	if cloneErr != nil {
		return nil, cloneErr
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// clone deep-copies c so callers never share maps with the store.
func clone(c *domain.Conversation) (*domain.Conversation, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation: %w", err)
	}
	var out domain.Conversation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return &out, nil
}

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

func TestMemoryConversations_ReserveOnce(t *testing.T) {
	s := NewMemoryConversations()
	ctx := context.Background()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Reserve(ctx, newConversation("conv-1", time.Now()))
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("created = %d, want exactly 1", created.Load())
	}
}

func TestMemoryConversations_SaveAndGet(t *testing.T) {
	s := NewMemoryConversations()
	ctx := context.Background()

	c := newConversation("conv-1", time.Now())
	if _, _, err := s.Reserve(ctx, c); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	c.Status = domain.ConversationCompleted
	c.FinalDecision = domain.FinalRejected
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	c.Context["product_id"] = "mutated"

	got, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FinalDecision != domain.FinalRejected {
		t.Errorf("FinalDecision = %q, want rejected", got.FinalDecision)
	}
	if got.Context["product_id"] != "frame" {
		t.Errorf("Context[product_id] = %v, want frame", got.Context["product_id"])
	}

	if err := s.Save(ctx, c); !errors.Is(err, domain.ErrOptimisticLock) {
		t.Errorf("second Save err = %v, want ErrOptimisticLock", err)
	}
}

func TestMemoryConversations_Release(t *testing.T) {
	s := NewMemoryConversations()
	ctx := context.Background()

	if _, _, err := s.Reserve(ctx, newConversation("conv-1", time.Now())); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Release(ctx, "conv-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, created, _ := s.Reserve(ctx, newConversation("conv-1", time.Now())); !created {
		t.Error("Reserve after Release created = false, want true")
	}

	c := newConversation("conv-2", time.Now())
	if _, _, err := s.Reserve(ctx, c); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	c.Status = domain.ConversationCompleted
	if err := s.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = s.Release(ctx, "conv-2")
	if _, err := s.Get(ctx, "conv-2"); err != nil {
		t.Errorf("completed conversation was released: %v", err)
	}
}

func TestMemoryConversations_NotFound(t *testing.T) {
	s := NewMemoryConversations()

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("Get err = %v, want ErrConversationNotFound", err)
	}
	if err := s.Save(context.Background(), newConversation("missing", time.Now())); !errors.Is(err, domain.ErrOptimisticLock) {
		t.Errorf("Save err = %v, want ErrOptimisticLock", err)
	}
}

func TestMemoryConversations_List(t *testing.T) {
	s := NewMemoryConversations()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		if _, _, err := s.Reserve(ctx, newConversation(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
	}

	got, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("List = %v, want c,b", ids(got))
	}
}

func ids(cs []*domain.Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

func TestEventRepo_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}
	now := time.Now().UnixMilli()

	events := []domain.AgentEvent{
		{ID: "ev-1", Kind: domain.EventMessage, From: domain.RoleOrchestrator, To: domain.RoleSales, RequestID: "req-1", PayloadJSON: "{}", CreatedAt: now},
		{ID: "ev-2", Kind: domain.EventResponse, From: domain.RoleSales, To: domain.RoleOrchestrator, RequestID: "req-1", PayloadJSON: `{"decision":"approve"}`, CreatedAt: now},
		{ID: "ev-3", Kind: domain.EventMessage, From: domain.RoleOrchestrator, To: domain.RoleQuality, RequestID: "req-2", PayloadJSON: "{}", CreatedAt: now + 1},
	}
	for _, e := range events {
		if err := repo.Append(ctx, db, e); err != nil {
			t.Fatalf("Append %s: %v", e.ID, err)
		}
	}

	got, err := repo.ListByRequest(ctx, db, "req-1")
	if err != nil {
		t.Fatalf("ListByRequest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	// Same timestamp keeps insertion order.
	if got[0].Kind != domain.EventMessage || got[1].Kind != domain.EventResponse {
		t.Errorf("kinds = %s,%s, want message,response", got[0].Kind, got[1].Kind)
	}
	if got[1].From != domain.RoleSales || got[1].To != domain.RoleOrchestrator {
		t.Errorf("route = %s->%s, want sales->orchestrator", got[1].From, got[1].To)
	}
}

func TestEventRepo_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}

	ev := domain.AgentEvent{ID: "ev-dup", Kind: domain.EventError, From: domain.RoleOrchestrator, To: domain.RolePlanning, CreatedAt: time.Now().UnixMilli()}
	if err := repo.Append(ctx, db, ev); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := repo.Append(ctx, db, ev); err == nil {
		t.Error("expected error on duplicate id, got nil")
	}
}

func TestEventRepo_ListByRequest_Empty(t *testing.T) {
	db := newTestDB(t)

	got, err := (&EventRepo{}).ListByRequest(context.Background(), db, "nonexistent")
	if err != nil {
		t.Fatalf("ListByRequest: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil slice for empty result, got %v", got)
	}
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

func TestAuditRepo_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}
	now := time.Now().UnixMilli()

	records := []domain.AuditRecord{
		{ID: "aud-1", ConversationID: "conv-1", Category: "decision", Actor: "production-agent", Action: "release_production", RequestJSON: "{}", DecisionJSON: `{"final_decision":"approved"}`, Severity: "info", CreatedAt: now},
		{ID: "aud-2", ConversationID: "conv-1", Category: "approval", Actor: "orchestrator", Action: "escalate", RequestJSON: "{}", DecisionJSON: `{"status":"pending"}`, Severity: "warn", CreatedAt: now + 1},
		{ID: "aud-3", ConversationID: "conv-2", Category: "decision", Actor: "sales-agent", Action: "set_price", RequestJSON: "{}", DecisionJSON: `{"final_decision":"rejected"}`, Severity: "info", CreatedAt: now + 2},
	}

	for _, r := range records {
		if err := repo.Record(ctx, db, r); err != nil {
			t.Fatalf("Record %s: %v", r.ID, err)
		}
	}

	got, err := repo.ListByConversation(ctx, db, "conv-1")
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "aud-1" {
		t.Errorf("first record ID = %q, want %q", got[0].ID, "aud-1")
	}
	if got[1].Category != "approval" {
		t.Errorf("second record Category = %q, want approval", got[1].Category)
	}
}

func TestAuditRepo_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &AuditRepo{}

	rec := domain.AuditRecord{
		ID: "aud-dup", ConversationID: "conv-1", Category: "decision",
		Action: "test", CreatedAt: time.Now().UnixMilli(),
	}

	if err := repo.Record(ctx, db, rec); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := repo.Record(ctx, db, rec); err == nil {
		t.Error("expected error on duplicate ID, got nil")
	}
}

func TestAuditRepo_ListByConversation_Empty(t *testing.T) {
	db := newTestDB(t)

	got, err := (&AuditRepo{}).ListByConversation(context.Background(), db, "nonexistent")
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for empty result, got %v", got)
	}
}

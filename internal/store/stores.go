package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// Conversations is the SQLite conversation store.
type Conversations struct {
	db   *sql.DB
	repo ConversationRepo
}

// NewConversations creates a conversation store on db.
func NewConversations(db *sql.DB) *Conversations {
	return &Conversations{db: db}
}

// Reserve inserts c unless its id is taken; see ConversationRepo.Reserve.
func (s *Conversations) Reserve(ctx context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	return s.repo.Reserve(ctx, s.db, c)
}

// Save persists the terminal state of c.
func (s *Conversations) Save(ctx context.Context, c *domain.Conversation) error {
	return s.repo.Save(ctx, s.db, c)
}

// Release drops an in-progress reservation.
func (s *Conversations) Release(ctx context.Context, id string) error {
	return s.repo.Release(ctx, s.db, id)
}

// Get returns the conversation with id.
func (s *Conversations) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	return s.repo.GetByID(ctx, s.db, id)
}

// List returns up to limit conversations, newest first.
func (s *Conversations) List(ctx context.Context, limit int) ([]*domain.Conversation, error) {
	return s.repo.ListRecent(ctx, s.db, limit)
}

// Approvals is the SQLite human approval store.
type Approvals struct {
	db   *sql.DB
	repo ApprovalRepo
	now  func() time.Time
}

// NewApprovals creates an approval store on db.
func NewApprovals(db *sql.DB) *Approvals {
	return &Approvals{db: db, now: time.Now}
}

// CreateOrReusePending returns the pending approval for req's agent and
// action, creating it from req if none exists.
func (s *Approvals) CreateOrReusePending(ctx context.Context, req domain.HumanApprovalRequest) (*domain.HumanApprovalRequest, bool, error) {
	return s.repo.CreateOrReusePending(ctx, s.db, req)
}

// Get returns the approval with decisionID.
func (s *Approvals) Get(ctx context.Context, decisionID string) (*domain.HumanApprovalRequest, error) {
	return s.repo.GetByID(ctx, s.db, decisionID)
}

// List returns approvals with status; empty lists all.
func (s *Approvals) List(ctx context.Context, status domain.ApprovalStatus) ([]domain.HumanApprovalRequest, error) {
	return s.repo.ListByStatus(ctx, s.db, status)
}

// Resolve approves or rejects a pending approval.
func (s *Approvals) Resolve(ctx context.Context, decisionID string, status domain.ApprovalStatus, resolvedBy string) (*domain.HumanApprovalRequest, error) {
	return s.repo.Resolve(ctx, s.db, decisionID, status, resolvedBy, s.now())
}

// ExpirePending rejects pending approvals past their expiry.
func (s *Approvals) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.ExpirePending(ctx, s.db, now)
}

// AuditLog records audit entries in SQLite.
type AuditLog struct {
	db   *sql.DB
	repo AuditRepo
}

// NewAuditLog creates an audit log on db.
func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db}
}

// Record inserts rec.
func (s *AuditLog) Record(ctx context.Context, rec domain.AuditRecord) error {
	return s.repo.Record(ctx, s.db, rec)
}

// ListByConversation returns the audit trail of one conversation.
func (s *AuditLog) ListByConversation(ctx context.Context, conversationID string) ([]domain.AuditRecord, error) {
	return s.repo.ListByConversation(ctx, s.db, conversationID)
}

// EventLog is the SQLite sink for event bus traffic.
type EventLog struct {
	db   *sql.DB
	repo EventRepo
}

// NewEventLog creates an event log on db.
func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

// Publish stores ev.
func (s *EventLog) Publish(ctx context.Context, ev domain.AgentEvent) error {
	return s.repo.Append(ctx, s.db, ev)
}

// ListByRequest returns the events of one request.
func (s *EventLog) ListByRequest(ctx context.Context, requestID string) ([]domain.AgentEvent, error) {
	return s.repo.ListByRequest(ctx, s.db, requestID)
}

// Inventory reads stock and BOM data from SQLite.
type Inventory struct {
	db   *sql.DB
	repo InventoryRepo
}

// NewInventory creates an inventory reader on db.
func NewInventory(db *sql.DB) *Inventory {
	return &Inventory{db: db}
}

// StockLevel returns the stock of one material.
func (s *Inventory) StockLevel(ctx context.Context, materialID string) (*domain.StockLevel, error) {
	return s.repo.GetStock(ctx, s.db, materialID)
}

// BOM returns the direct components of a product.
func (s *Inventory) BOM(ctx context.Context, productID string) ([]domain.BOMLine, error) {
	return s.repo.ListBOM(ctx, s.db, productID)
}

// UpsertMaterial creates or replaces a material and its stock.
func (s *Inventory) UpsertMaterial(ctx context.Context, level domain.StockLevel) error {
	return s.repo.UpsertMaterial(ctx, s.db, level)
}

// SetBOMLine creates or replaces one BOM line.
func (s *Inventory) SetBOMLine(ctx context.Context, line domain.BOMLine) error {
	return s.repo.SetBOMLine(ctx, s.db, line)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// ConversationRepo handles persistence for Conversation records.
type ConversationRepo struct{}

const conversationColumns = `id, role, prompt, request_type, context_json, urgency, severity, status,
responses_json, result_json, final_decision, started_at, completed_at`

// Reserve inserts c unless a conversation with the same id exists. It
// returns the existing row and false when the id is taken.
func (r *ConversationRepo) Reserve(ctx context.Context, db *sql.DB, c *domain.Conversation) (*domain.Conversation, bool, error) {
	row, err := toRow(c)
	if err != nil {
		return nil, false, err
	}

	const q = `INSERT INTO conversations (` + conversationColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`
	res, err := db.ExecContext(ctx, q, row.args()...)
	if err != nil {
		return nil, false, fmt.Errorf("reserve conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 1 {
		return c, true, nil
	}

	existing, err := r.GetByID(ctx, db, c.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Save writes the terminal state of c. Only an in-progress row may be
// overwritten; anything else returns ErrOptimisticLock.
func (r *ConversationRepo) Save(ctx context.Context, db *sql.DB, c *domain.Conversation) error {
	row, err := toRow(c)
	if err != nil {
		return err
	}

	const q = `UPDATE conversations SET
		status = ?,
		responses_json = ?,
		result_json = ?,
		final_decision = ?,
		completed_at = ?
	WHERE id = ? AND status = ?`

	res, err := db.ExecContext(ctx, q,
		row.status,
		row.responsesJSON,
		row.resultJSON,
		row.finalDecision,
		row.completedAt,
		row.id,
		string(domain.ConversationInProgress),
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// Release deletes the row for id while it is still in progress. Terminal
// rows are left alone.
func (r *ConversationRepo) Release(ctx context.Context, db *sql.DB, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND status = ?`,
		id, string(domain.ConversationInProgress))
	if err != nil {
		return fmt.Errorf("release conversation: %w", err)
	}
	return nil
}

// GetByID retrieves a conversation by its ID.
func (r *ConversationRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	var row conversationRow
	err := db.QueryRowContext(ctx, q, id).Scan(row.dest()...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.toDomain()
}

// ListRecent returns up to limit conversations, newest first. A limit of
// zero or less lists everything.
func (r *ConversationRepo) ListRecent(ctx context.Context, db *sql.DB, limit int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT ` + conversationColumns + ` FROM conversations ORDER BY started_at DESC, id ASC LIMIT ?`

	rows, err := db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		var row conversationRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type conversationRow struct {
	id, role, prompt, requestType, contextJSON string
	urgency, severity, status                  string
	responsesJSON, resultJSON, finalDecision   string
	startedAt, completedAt                     int64
}

func (r *conversationRow) args() []any {
	return []any{r.id, r.role, r.prompt, r.requestType, r.contextJSON, r.urgency, r.severity, r.status,
		r.responsesJSON, r.resultJSON, r.finalDecision, r.startedAt, r.completedAt}
}

func (r *conversationRow) dest() []any {
	return []any{&r.id, &r.role, &r.prompt, &r.requestType, &r.contextJSON, &r.urgency, &r.severity, &r.status,
		&r.responsesJSON, &r.resultJSON, &r.finalDecision, &r.startedAt, &r.completedAt}
}

func toRow(c *domain.Conversation) (*conversationRow, error) {
	ctxJSON, err := json.Marshal(c.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	responses := c.Responses
	if responses == nil {
		responses = []domain.AgentResponse{}
	}
	respJSON, err := json.Marshal(responses)
	if err != nil {
		return nil, fmt.Errorf("marshal responses: %w", err)
	}
	resultJSON := ""
	if c.Result != nil {
		b, err := json.Marshal(c.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(b)
	}
	var completed int64
	if c.CompletedAt != nil {
		completed = c.CompletedAt.UnixMilli()
	}
	return &conversationRow{
		id:            c.ID,
		role:          string(c.Role),
		prompt:        c.Prompt,
		requestType:   string(c.Type),
		contextJSON:   string(ctxJSON),
		urgency:       string(c.Urgency),
		severity:      string(c.Severity),
		status:        string(c.Status),
		responsesJSON: string(respJSON),
		resultJSON:    resultJSON,
		finalDecision: string(c.FinalDecision),
		startedAt:     c.StartedAt.UnixMilli(),
		completedAt:   completed,
	}, nil
}

func (r *conversationRow) toDomain() (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:            r.id,
		Role:          domain.Role(r.role),
		Prompt:        r.prompt,
		Type:          domain.RequestType(r.requestType),
		Urgency:       domain.Severity(r.urgency),
		Severity:      domain.Severity(r.severity),
		Status:        domain.ConversationStatus(r.status),
		FinalDecision: domain.FinalDecision(r.finalDecision),
		StartedAt:     time.UnixMilli(r.startedAt),
	}
	if r.contextJSON != "" && r.contextJSON != "null" {
		if err := json.Unmarshal([]byte(r.contextJSON), &c.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(r.responsesJSON), &c.Responses); err != nil {
		return nil, fmt.Errorf("unmarshal responses: %w", err)
	}
	if r.resultJSON != "" {
		c.Result = &domain.ProtocolResult{}
		if err := json.Unmarshal([]byte(r.resultJSON), c.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if r.completedAt != 0 {
		t := time.UnixMilli(r.completedAt)
		c.CompletedAt = &t
	}
	return c, nil
}

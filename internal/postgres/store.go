package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

const conversationColumns = `id, role, prompt, request_type, context, urgency, severity, status,
responses, result, final_decision, started_at, completed_at`

// ConversationStore persists conversations in PostgreSQL. Reservation
// relies on the primary key, so it stays atomic across engine instances.
type ConversationStore struct {
	pool *pgxpool.Pool
}

// NewConversationStore creates a ConversationStore backed by pool.
func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

// Reserve inserts c unless the id is taken, in which case it returns the
// existing conversation and false.
func (s *ConversationStore) Reserve(ctx context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	args, err := insertArgs(c)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`, args...)
	if err != nil {
		return nil, false, fmt.Errorf("reserve conversation %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return c, true, nil
	}

	existing, err := s.Get(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Save writes the terminal state of c. Only an in-progress row may be
// overwritten.
func (s *ConversationStore) Save(ctx context.Context, c *domain.Conversation) error {
	responses, result, err := marshalOutcome(c)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations
		 SET status = $1, responses = $2, result = $3, final_decision = $4, completed_at = $5
		 WHERE id = $6 AND status = $7`,
		string(c.Status), responses, result, string(c.FinalDecision), c.CompletedAt,
		c.ID, string(domain.ConversationInProgress))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// Release deletes an in-progress reservation for id.
func (s *ConversationStore) Release(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND status = $2`,
		id, string(domain.ConversationInProgress))
	if err != nil {
		return fmt.Errorf("release conversation %s: %w", id, err)
	}
	return nil
}

// Get returns the conversation with id.
func (s *ConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)

	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// List returns up to limit conversations, newest first. A limit of zero or
// less lists everything.
func (s *ConversationStore) List(ctx context.Context, limit int) ([]*domain.Conversation, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 ORDER BY started_at DESC, id ASC LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func insertArgs(c *domain.Conversation) ([]any, error) {
	ctxJSON, err := json.Marshal(c.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	if c.Context == nil {
		ctxJSON = []byte("{}")
	}
	responses, result, err := marshalOutcome(c)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID, string(c.Role), c.Prompt, string(c.Type), ctxJSON,
		string(c.Urgency), string(c.Severity), string(c.Status),
		responses, result, string(c.FinalDecision), c.StartedAt, c.CompletedAt,
	}, nil
}

// marshalOutcome encodes the mutable JSON columns. A nil result maps to SQL NULL.
func marshalOutcome(c *domain.Conversation) ([]byte, []byte, error) {
	list := c.Responses
	if list == nil {
		list = []domain.AgentResponse{}
	}
	responses, err := json.Marshal(list)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal responses: %w", err)
	}
	if c.Result == nil {
		return responses, nil, nil
	}
	result, err := json.Marshal(c.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal result: %w", err)
	}
	return responses, result, nil
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var (
		c                          domain.Conversation
		role, reqType, urgency     string
		severity, status, final    string
		ctxJSON, respJSON, resJSON []byte
		completedAt                *time.Time
	)
	if err := row.Scan(&c.ID, &role, &c.Prompt, &reqType, &ctxJSON, &urgency, &severity, &status,
		&respJSON, &resJSON, &final, &c.StartedAt, &completedAt); err != nil {
		return nil, err
	}

	c.Role = domain.Role(role)
	c.Type = domain.RequestType(reqType)
	c.Urgency = domain.Severity(urgency)
	c.Severity = domain.Severity(severity)
	c.Status = domain.ConversationStatus(status)
	c.FinalDecision = domain.FinalDecision(final)
	c.CompletedAt = completedAt

	if len(ctxJSON) > 0 && string(ctxJSON) != "null" {
		if err := json.Unmarshal(ctxJSON, &c.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if err := json.Unmarshal(respJSON, &c.Responses); err != nil {
		return nil, fmt.Errorf("unmarshal responses: %w", err)
	}
	if len(resJSON) > 0 {
		c.Result = &domain.ProtocolResult{}
		if err := json.Unmarshal(resJSON, c.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &c, nil
}

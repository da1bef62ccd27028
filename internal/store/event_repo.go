package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// EventRepo handles persistence for AgentEvent records.
type EventRepo struct{}

// Append inserts an agent event.
func (r *EventRepo) Append(ctx context.Context, db *sql.DB, ev domain.AgentEvent) error {
	const q = `INSERT INTO agent_events (id, kind, from_role, to_role, request_id, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		ev.ID,
		string(ev.Kind),
		string(ev.From),
		string(ev.To),
		ev.RequestID,
		ev.PayloadJSON,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append agent event: %w", err)
	}
	return nil
}

// ListByRequest returns the events of one request in emission order.
func (r *EventRepo) ListByRequest(ctx context.Context, db *sql.DB, requestID string) ([]domain.AgentEvent, error) {
	const q = `SELECT id, kind, from_role, to_role, request_id, payload_json, created_at
FROM agent_events
WHERE request_id = ?
ORDER BY created_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, q, requestID)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	defer rows.Close()

	var events []domain.AgentEvent
	for rows.Next() {
		var e domain.AgentEvent
		var kind, from, to string
		if err := rows.Scan(&e.ID, &kind, &from, &to, &e.RequestID, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		e.Kind = domain.AgentEventKind(kind)
		e.From = domain.Role(from)
		e.To = domain.Role(to)
		events = append(events, e)
	}
	return events, rows.Err()
}

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

// ExpiredBy is recorded as the resolver of approvals that timed out.
const ExpiredBy = "expired"

// ApprovalRepo handles persistence for HumanApprovalRequest records.
type ApprovalRepo struct{}

const approvalColumns = `decision_id, agent, action, data_json, reasoning, severity, status,
expiry_at, created_at, resolved_by, resolved_at`

// CreateOrReusePending inserts req unless a pending request for the same
// agent and action exists, in which case that one is returned with
// created == false.
func (r *ApprovalRepo) CreateOrReusePending(ctx context.Context, db *sql.DB, req domain.HumanApprovalRequest) (*domain.HumanApprovalRequest, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := r.pendingTx(ctx, tx, req.Agent, req.Action)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	dataJSON, err := json.Marshal(req.Data)
	if err != nil {
		return nil, false, fmt.Errorf("marshal approval data: %w", err)
	}

	const q = `INSERT INTO human_approvals (` + approvalColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0)`
	_, err = tx.ExecContext(ctx, q,
		req.DecisionID,
		string(req.Agent),
		req.Action,
		string(dataJSON),
		req.Reasoning,
		string(req.Severity),
		string(domain.ApprovalPending),
		req.ExpiryAt.UnixMilli(),
		req.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("create approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit approval: %w", err)
	}

	req.Status = domain.ApprovalPending
	return &req, true, nil
}

func (r *ApprovalRepo) pendingTx(ctx context.Context, tx *sql.Tx, agent domain.Role, action string) (*domain.HumanApprovalRequest, error) {
	q := `SELECT ` + approvalColumns + ` FROM human_approvals
WHERE agent = ? AND action = ? AND status = 'pending'`

	a, err := scanApproval(tx.QueryRowContext(ctx, q, string(agent), action))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pending approval: %w", err)
	}
	return a, nil
}

// GetByID retrieves an approval request by decision id.
func (r *ApprovalRepo) GetByID(ctx context.Context, db *sql.DB, decisionID string) (*domain.HumanApprovalRequest, error) {
	q := `SELECT ` + approvalColumns + ` FROM human_approvals WHERE decision_id = ?`

	a, err := scanApproval(db.QueryRowContext(ctx, q, decisionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrApprovalNotFound
		}
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

// ListByStatus returns approvals with the given status, oldest first.
// An empty status lists every approval.
func (r *ApprovalRepo) ListByStatus(ctx context.Context, db *sql.DB, status domain.ApprovalStatus) ([]domain.HumanApprovalRequest, error) {
	q := `SELECT ` + approvalColumns + ` FROM human_approvals
WHERE (? = '' OR status = ?)
ORDER BY created_at ASC, decision_id ASC`

	rows, err := db.QueryContext(ctx, q, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []domain.HumanApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Resolve moves a pending approval to approved or rejected.
func (r *ApprovalRepo) Resolve(ctx context.Context, db *sql.DB, decisionID string, status domain.ApprovalStatus, resolvedBy string, now time.Time) (*domain.HumanApprovalRequest, error) {
	if status != domain.ApprovalApproved && status != domain.ApprovalRejected {
		return nil, domain.ErrApprovalBadStatus
	}

	const q = `UPDATE human_approvals SET status = ?, resolved_by = ?, resolved_at = ?
WHERE decision_id = ? AND status = 'pending'`
	res, err := db.ExecContext(ctx, q, string(status), resolvedBy, now.UnixMilli(), decisionID)
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, db, decisionID); err != nil {
			return nil, err
		}
		return nil, domain.ErrApprovalNotPending
	}
	return r.GetByID(ctx, db, decisionID)
}

// ExpirePending rejects every pending approval whose expiry has passed and
// returns how many were expired.
func (r *ApprovalRepo) ExpirePending(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	const q = `UPDATE human_approvals SET status = 'rejected', resolved_by = ?, resolved_at = ?
WHERE status = 'pending' AND expiry_at <= ?`
	res, err := db.ExecContext(ctx, q, ExpiredBy, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(s rowScanner) (*domain.HumanApprovalRequest, error) {
	var a domain.HumanApprovalRequest
	var agent, severity, status, dataJSON string
	var expiry, created, resolvedAt int64
	err := s.Scan(&a.DecisionID, &agent, &a.Action, &dataJSON, &a.Reasoning, &severity, &status,
		&expiry, &created, &a.ResolvedBy, &resolvedAt)
	if err != nil {
		return nil, err
	}
	a.Agent = domain.Role(agent)
	a.Severity = domain.Severity(severity)
	a.Status = domain.ApprovalStatus(status)
	a.ExpiryAt = time.UnixMilli(expiry)
	a.CreatedAt = time.UnixMilli(created)
	if resolvedAt != 0 {
		t := time.UnixMilli(resolvedAt)
		a.ResolvedAt = &t
	}
	if dataJSON != "" && dataJSON != "null" {
		if err := json.Unmarshal([]byte(dataJSON), &a.Data); err != nil {
			return nil, fmt.Errorf("unmarshal approval data: %w", err)
		}
	}
	return &a, nil
}

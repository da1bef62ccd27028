// Package ipc provides the HTTP API for the decision engine.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/logger"
	"github.com/ironmill-erp/decision-engine/internal/resilience"
)

const defaultListLimit = 50

// Conversations is the orchestrator surface the API drives.
type Conversations interface {
	StartConversation(ctx context.Context, role domain.Role, req domain.AgentRequest) (*domain.Outcome, error)
	Conversation(ctx context.Context, id string) (*domain.Conversation, error)
	Conversations(ctx context.Context, limit int) ([]*domain.Conversation, error)
}

// Approvals lists and resolves human approval requests.
type Approvals interface {
	List(ctx context.Context, status domain.ApprovalStatus) ([]domain.HumanApprovalRequest, error)
	Resolve(ctx context.Context, decisionID string, status domain.ApprovalStatus, resolvedBy string) (*domain.HumanApprovalRequest, error)
}

// Events lists the bus traffic of one conversation.
type Events interface {
	ListByRequest(ctx context.Context, requestID string) ([]domain.AgentEvent, error)
}

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, rec domain.AuditRecord) error
}

// Degradation reports whether the engine runs without the decision oracle.
type Degradation interface {
	Degraded() (string, bool)
}

// Handler holds all dependencies for the HTTP handlers. Only Orchestrator
// is required; routes backed by a nil dependency answer 503.
type Handler struct {
	Orchestrator Conversations
	Approvals    Approvals
	Events       Events
	Audit        Auditor
	Breakers     *resilience.Registry
	Quota        *resilience.QuotaCache
	Degradation  Degradation
	Logger       *slog.Logger

	// PollInterval paces the event stream. Zero means two seconds.
	PollInterval time.Duration
}

// StartRequest is the body for POST /api/v1/conversations.
type StartRequest struct {
	Role     domain.Role        `json:"role"`
	ID       string             `json:"id"`
	Prompt   string             `json:"prompt"`
	Type     domain.RequestType `json:"type"`
	Context  map[string]any     `json:"context"`
	Urgency  domain.Severity    `json:"urgency"`
	Severity domain.Severity    `json:"severity"`
}

// ResolveRequest is the body for POST /api/v1/approvals/{decisionID}/resolve.
type ResolveRequest struct {
	Status     domain.ApprovalStatus `json:"status"`
	ResolvedBy string                `json:"resolved_by"`
}

// HealthStatus is the response for GET /api/v1/health.
type HealthStatus struct {
	Status   string `json:"status"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{Status: "ok"}
	if h.Degradation != nil {
		status.Reason, status.Degraded = h.Degradation.Degraded()
	}
	writeJSON(w, http.StatusOK, status)
}

// StartConversation handles POST /api/v1/conversations.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Role == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "role is required"})
		return
	}

	out, err := h.Orchestrator.StartConversation(r.Context(), req.Role, domain.AgentRequest{
		ID:       req.ID,
		Prompt:   req.Prompt,
		Type:     req.Type,
		Context:  req.Context,
		Urgency:  req.Urgency,
		Severity: req.Severity,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetConversation handles GET /api/v1/conversations/{id}.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Orchestrator.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListConversations handles GET /api/v1/conversations?limit=N.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	list, err := h.Orchestrator.Conversations(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ListEvents handles GET /api/v1/conversations/{id}/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeUnavailable(w, "event log")
		return
	}
	events, err := h.Events.ListByRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.AgentEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamEvents handles GET /api/v1/conversations/{id}/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeUnavailable(w, "event log")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := chi.URLParam(r, "id")
	ctx := r.Context()

	sent := 0
	push := func() bool {
		events, err := h.Events.ListByRequest(ctx, id)
		if err != nil {
			writeSSEError(w, flusher, err)
			return false
		}
		for _, ev := range events[min(sent, len(events)):] {
			writeSSEEvent(w, flusher, ev)
		}
		sent = max(sent, len(events))
		return true
	}
	if !push() {
		return
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}

// ListApprovals handles GET /api/v1/approvals?status=pending.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	if h.Approvals == nil {
		writeUnavailable(w, "approval store")
		return
	}
	status := domain.ApprovalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.ApprovalPending
	}
	switch status {
	case domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRejected:
	default:
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: fmt.Sprintf("unknown approval status %q", status)})
		return
	}

	list, err := h.Approvals.List(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.HumanApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ResolveApproval handles POST /api/v1/approvals/{decisionID}/resolve.
func (h *Handler) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	if h.Approvals == nil {
		writeUnavailable(w, "approval store")
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.ResolvedBy == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "resolved_by is required"})
		return
	}

	decisionID := chi.URLParam(r, "decisionID")
	approval, err := h.Approvals.Resolve(r.Context(), decisionID, req.Status, req.ResolvedBy)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.Audit != nil {
		_ = h.Audit.Record(r.Context(), domain.AuditRecord{
			ID:           uuid.NewString(),
			Category:     "approval",
			Actor:        req.ResolvedBy,
			Action:       string(approval.Status),
			DecisionJSON: mustJSON(approval),
			Severity:     "info",
			CreatedAt:    time.Now().UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, approval)
}

// ListBreakers handles GET /api/v1/breakers.
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	if h.Breakers == nil {
		writeJSON(w, http.StatusOK, []resilience.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, h.Breakers.Snapshot())
}

// ListQuota handles GET /api/v1/quota.
func (h *Handler) ListQuota(w http.ResponseWriter, r *http.Request) {
	if h.Quota == nil {
		writeJSON(w, http.StatusOK, []resilience.QuotaEntry{})
		return
	}
	writeJSON(w, http.StatusOK, h.Quota.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeUnavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, APIError{Code: 503, Message: what + " is not configured"})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := statusFor(engErr)
		if status >= http.StatusInternalServerError {
			logger.OrDefault(h.Logger).ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	logger.OrDefault(h.Logger).ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func statusFor(e *domain.EngineError) int {
	switch e.Code {
	case domain.ErrAgentNotFound.Code, domain.ErrConversationNotFound.Code,
		domain.ErrApprovalNotFound.Code, domain.ErrMaterialUnknown.Code:
		return http.StatusNotFound
	case domain.ErrConversationInProgress.Code, domain.ErrApprovalNotPending.Code,
		domain.ErrOptimisticLock.Code:
		return http.StatusConflict
	case domain.ErrInvalidRequest.Code, domain.ErrApprovalBadStatus.Code:
		return http.StatusBadRequest
	case domain.ErrRateLimitExceeded.Code:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.AgentEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

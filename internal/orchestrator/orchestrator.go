// Package orchestrator runs conversations: it reserves the conversation id,
// asks the target agent for a decision through its circuit breaker, runs the
// decision through the protocol, and persists the outcome.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/logger"
	"github.com/ironmill-erp/decision-engine/internal/protocol"
	"github.com/ironmill-erp/decision-engine/internal/resilience"
	"github.com/ironmill-erp/decision-engine/internal/telemetry"
)

// RejectedByAgent is the RejectedBy value when the target agent itself
// refused the request.
const RejectedByAgent = "agent"

// ConversationStore persists conversations. Reserve must be atomic: of
// several concurrent calls with one id, exactly one reports created.
type ConversationStore interface {
	Reserve(ctx context.Context, c *domain.Conversation) (*domain.Conversation, bool, error)
	Save(ctx context.Context, c *domain.Conversation) error
	// Release drops an in-progress reservation so the id can be retried.
	Release(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	List(ctx context.Context, limit int) ([]*domain.Conversation, error)
}

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, rec domain.AuditRecord) error
}

// Options holds the orchestrator's collaborators.
type Options struct {
	Store       ConversationStore
	Bus         *agent.Bus
	Protocol    *protocol.Protocol
	Breakers    *resilience.Registry
	Degradation protocol.Degradation
	Audit       Auditor
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Orchestrator is the entry point for decision requests.
type Orchestrator struct {
	store       ConversationStore
	bus         *agent.Bus
	protocol    *protocol.Protocol
	breakers    *resilience.Registry
	degradation protocol.Degradation
	audit       Auditor
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time // for testing
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	breakers := opts.Breakers
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig())
	}
	return &Orchestrator{
		store:       opts.Store,
		bus:         opts.Bus,
		protocol:    opts.Protocol,
		breakers:    breakers,
		degradation: opts.Degradation,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		logger:      logger.OrDefault(opts.Logger),
		now:         time.Now,
	}
}

// StartConversation routes req to the agent for role and returns the
// protocol's verdict. It fails only on an invalid request, an unknown role,
// a conversation id that is still in progress, or a store error while
// reserving the id. A repeat of a finished conversation returns the stored
// outcome with Cached set.
func (o *Orchestrator) StartConversation(ctx context.Context, role domain.Role, req domain.AgentRequest) (*domain.Outcome, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = domain.RequestTypeRequest
	}

	target, err := o.bus.Get(role)
	if err != nil {
		return nil, err
	}

	c := &domain.Conversation{
		ID:        req.ID,
		Role:      role,
		Prompt:    req.Prompt,
		Type:      req.Type,
		Context:   req.Context,
		Urgency:   req.Urgency,
		Severity:  req.Severity,
		Status:    domain.ConversationPending,
		StartedAt: o.now(),
	}
	if err := transition(c, domain.ConversationInProgress); err != nil {
		return nil, err
	}

	existing, created, err := o.store.Reserve(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("reserve conversation %s: %w", req.ID, err)
	}
	if !created {
		if existing.Status.Terminal() {
			return &domain.Outcome{
				FinalDecision:  existing.FinalDecision,
				ProtocolResult: existing.Result,
				Conversation:   existing,
				Cached:         true,
			}, nil
		}
		return nil, domain.InProgressError(req.ID)
	}

	ctx = logger.WithConversationID(ctx, c.ID)
	ctx, span := telemetry.StartConversationSpan(ctx, c.ID, string(role))
	defer span.End()
	o.metrics.ConversationStarted(ctx)
	o.logger.InfoContext(ctx, "conversation started", "conversation_id", c.ID, "role", role, "type", req.Type)

	if reason, degraded := o.degraded(); degraded {
		o.metrics.DegradedRun(ctx)
		res := &domain.ProtocolResult{
			FinalDecision: domain.FinalApproved,
			Warnings:      []string{reason},
		}
		return o.finish(ctx, c, req, res), nil
	}

	resp := o.ask(ctx, role, req)
	c.Responses = append(c.Responses, *resp)

	var res *domain.ProtocolResult
	if resp.Decision == domain.DecisionReject && !resp.OracleUnavailable {
		res = agentRejection(role, resp)
	} else {
		in := protocol.Input{Decision: o.decisionFrom(role, req, resp), Target: target}
		res = o.protocol.Run(ctx, in)
		if o.protocol.Reconcile(ctx, in, res) {
			o.metrics.DegradedRun(ctx)
		}
		if resp.OracleUnavailable {
			res.OracleUnavailable = true
			res.Warnings = append(res.Warnings, role.AgentName()+" answered without the decision oracle")
		}
	}

	return o.finish(ctx, c, req, res), nil
}

// Conversation returns a stored conversation.
func (o *Orchestrator) Conversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return o.store.Get(ctx, id)
}

// Conversations returns up to limit conversations, newest first.
func (o *Orchestrator) Conversations(ctx context.Context, limit int) ([]*domain.Conversation, error) {
	return o.store.List(ctx, limit)
}

// ask sends req to role through the route's breaker. Any failure, including
// an open circuit, yields a pending response instead of an error.
func (o *Orchestrator) ask(ctx context.Context, role domain.Role, req domain.AgentRequest) *domain.AgentResponse {
	route := resilience.Route(string(domain.RoleOrchestrator), role.AgentName())
	b := o.breakers.Get(route)

	resp, _ := resilience.Call(ctx, b,
		func(ctx context.Context) (*domain.AgentResponse, error) {
			return o.bus.Send(ctx, domain.RoleOrchestrator, role, req)
		},
		func(err error) (*domain.AgentResponse, error) {
			o.metrics.BreakerFallback(ctx, route)
			o.logger.WarnContext(ctx, "agent call fell back", "route", route, "error", err)
			return fallbackResponse(role, err, o.now()), nil
		},
	)
	if resp == nil {
		return fallbackResponse(role, errors.New("empty response"), o.now())
	}
	return resp
}

func fallbackResponse(role domain.Role, err error, now time.Time) *domain.AgentResponse {
	reasoning := fmt.Sprintf("%s unavailable: %v", role.AgentName(), err)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		reasoning = "circuit open: " + role.AgentName() + " is not accepting requests"
	}
	return &domain.AgentResponse{
		Agent:     role,
		Decision:  domain.DecisionPending,
		Reasoning: reasoning,
		Timestamp: now,
	}
}

// decisionFrom normalizes the agent's answer into the proposal the protocol
// reviews. An agent that could not decide escalates to a human.
func (o *Orchestrator) decisionFrom(role domain.Role, req domain.AgentRequest, resp *domain.AgentResponse) domain.AgentDecision {
	action := resp.Action
	if action == "" {
		if a, ok := agent.Text(req.Context, "action"); ok {
			action = a
		} else {
			action = string(req.Type)
		}
	}
	data := resp.Data
	if data == nil {
		data = req.Context
	}

	severity := domain.MaxSeverity(domain.SeverityLow, domain.MaxSeverity(req.Severity, resp.Severity))
	if resp.Decision == domain.DecisionPending {
		severity = domain.MaxSeverity(severity, domain.SeverityHigh)
	}

	return domain.AgentDecision{
		Agent:                 role,
		Action:                action,
		Data:                  data,
		Reasoning:             resp.Reasoning,
		Confidence:            resp.Confidence,
		Severity:              severity,
		RequiresHumanApproval: resp.RequiresHumanApproval,
	}
}

func agentRejection(role domain.Role, resp *domain.AgentResponse) *domain.ProtocolResult {
	res := &domain.ProtocolResult{
		FinalDecision: domain.FinalRejected,
		RejectedBy:    RejectedByAgent,
		Errors:        []string{fmt.Sprintf("%s rejected the request: %s", role.AgentName(), resp.Reasoning)},
	}
	for _, issue := range resp.Issues {
		res.Errors = append(res.Errors, role.AgentName()+": "+issue)
	}
	return res
}

// finish records the terminal state of c. A cancelled caller marks the
// conversation failed; persistence problems become warnings on the result.
func (o *Orchestrator) finish(ctx context.Context, c *domain.Conversation, req domain.AgentRequest, res *domain.ProtocolResult) *domain.Outcome {
	status := domain.ConversationCompleted
	if ctx.Err() != nil {
		status = domain.ConversationFailed
	}
	// Only in_progress conversations reach finish.
	_ = transition(c, status)

	done := o.now()
	c.Result = res
	c.FinalDecision = res.FinalDecision
	c.CompletedAt = &done

	saveCtx := context.WithoutCancel(ctx)
	if err := o.persist(saveCtx, c); err != nil {
		o.logger.ErrorContext(ctx, "persist conversation failed", "conversation_id", c.ID, "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("conversation could not be persisted: %v", err))
	}

	o.record(saveCtx, c, req, res)
	o.metrics.Decision(ctx, string(res.FinalDecision))
	o.logger.InfoContext(ctx, "conversation finished",
		"conversation_id", c.ID, "role", c.Role, "status", c.Status,
		"final", res.FinalDecision, "rejected_by", res.RejectedBy)

	return &domain.Outcome{
		FinalDecision:  res.FinalDecision,
		ProtocolResult: res,
		Conversation:   c,
	}
}

// persist saves c, retrying once. When both attempts fail the reservation
// is released so a later call with the same id runs again instead of
// reporting in progress forever.
func (o *Orchestrator) persist(ctx context.Context, c *domain.Conversation) error {
	err := o.store.Save(ctx, c)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrOptimisticLock) {
		return err
	}
	o.logger.WarnContext(ctx, "persist conversation failed, retrying", "conversation_id", c.ID, "error", err)
	if err = o.store.Save(ctx, c); err == nil {
		return nil
	}
	if relErr := o.store.Release(ctx, c.ID); relErr != nil {
		o.logger.ErrorContext(ctx, "release conversation reservation failed", "conversation_id", c.ID, "error", relErr)
	}
	return err
}

func (o *Orchestrator) record(ctx context.Context, c *domain.Conversation, req domain.AgentRequest, res *domain.ProtocolResult) {
	if o.audit == nil {
		return
	}
	severity := "info"
	if res.FinalDecision != domain.FinalApproved {
		severity = "warn"
	}
	_ = o.audit.Record(ctx, domain.AuditRecord{
		ID:             uuid.NewString(),
		ConversationID: c.ID,
		Category:       "decision",
		Actor:          c.Role.AgentName(),
		Action:         string(res.FinalDecision),
		RequestJSON:    mustJSON(req),
		DecisionJSON:   mustJSON(res),
		Severity:       severity,
		CreatedAt:      o.now().UnixMilli(),
	})
}

func (o *Orchestrator) degraded() (string, bool) {
	if o.degradation == nil {
		return "", false
	}
	return o.degradation.Degraded()
}

func validateRequest(req domain.AgentRequest) error {
	var problems []string
	if strings.TrimSpace(req.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		problems = append(problems, "prompt is required")
	}
	if req.Type != "" && !req.Type.Valid() {
		problems = append(problems, fmt.Sprintf("type %q must be request, query, analysis, or validation", req.Type))
	}
	if req.Urgency != "" && !req.Urgency.Valid() {
		problems = append(problems, fmt.Sprintf("urgency %q is not a severity", req.Urgency))
	}
	if req.Severity != "" && !req.Severity.Valid() {
		problems = append(problems, fmt.Sprintf("severity %q is not a severity", req.Severity))
	}
	if len(problems) > 0 {
		return domain.NewEngineError(domain.ErrInvalidRequest.Code,
			fmt.Sprintf("%s: %s", domain.ErrInvalidRequest.Message, strings.Join(problems, "; ")))
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

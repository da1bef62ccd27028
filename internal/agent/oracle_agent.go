package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/guard"
	"github.com/ironmill-erp/decision-engine/internal/logger"
	"github.com/ironmill-erp/decision-engine/internal/oracle"
)

// Peers lets an agent consult the rest of the panel before deciding.
type Peers interface {
	Broadcast(ctx context.Context, from domain.Role, req domain.AgentRequest) []*domain.AgentResponse
}

// OracleAgentOptions wires an OracleAgent's collaborators.
type OracleAgentOptions struct {
	Decider   oracle.Decider
	Guard     *guard.Guard
	Inventory Inventory
	Peers     Peers
	Logger    *slog.Logger
}

// OracleAgent is the role agent backed by the decision oracle. Ground-truth
// checks against the inventory run before any oracle call.
type OracleAgent struct {
	role      domain.Role
	decider   oracle.Decider
	guard     *guard.Guard
	inventory Inventory
	peers     Peers
	logger    *slog.Logger
	now       func() time.Time
}

// NewOracleAgent creates the agent for role.
func NewOracleAgent(role domain.Role, opts OracleAgentOptions) *OracleAgent {
	return &OracleAgent{
		role:      role,
		decider:   opts.Decider,
		guard:     opts.Guard,
		inventory: opts.Inventory,
		peers:     opts.Peers,
		logger:    logger.OrDefault(opts.Logger),
		now:       time.Now,
	}
}

// SetPeers attaches the bus after construction, since the bus holds the agent.
func (a *OracleAgent) SetPeers(p Peers) {
	a.peers = p
}

// Info returns the agent identity.
func (a *OracleAgent) Info() Info {
	return Info{Name: a.role.AgentName(), Role: a.role}
}

// ProcessRequest asks the oracle for a decision on req. When the oracle is
// unavailable a validation request passes at confidence 0.5 and any other
// request is rejected; both are tagged OracleUnavailable.
func (a *OracleAgent) ProcessRequest(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	payload := map[string]any{
		"type":     req.Type,
		"context":  req.Context,
		"severity": req.Severity,
		"urgency":  req.Urgency,
	}
	if req.Type == domain.RequestTypeAnalysis && fromCaller(req.From) && a.peers != nil {
		payload["peer_opinions"] = a.consultPeers(ctx, req)
	}

	reply, err := a.decide(ctx, "request", req.Prompt, payload)
	if err != nil {
		if oe, ok := oracle.AsUnavailable(err); ok {
			return a.degradedResponse(req, oe), nil
		}
		var ire *oracle.InvalidReplyError
		if errors.As(err, &ire) {
			a.logger.WarnContext(ctx, "discarding invalid oracle reply", "role", a.role, "request_id", req.ID, "error", err)
			return &domain.AgentResponse{
				Agent:     a.role,
				Decision:  domain.DecisionPending,
				Reasoning: "decision oracle reply failed schema validation",
				Issues:    ire.Violations,
				Timestamp: a.now(),
			}, nil
		}
		return nil, err
	}

	data := reply.Data
	if data == nil {
		data = req.Context
	}
	return &domain.AgentResponse{
		Agent:                 a.role,
		Decision:              reply.Decision,
		Action:                reply.Action,
		Data:                  data,
		Reasoning:             reply.Reasoning,
		Confidence:            reply.Confidence,
		Issues:                reply.Issues,
		Recommendations:       append(reply.Recommendations, reply.Conditions...),
		Timestamp:             a.now(),
		Severity:              reply.Severity,
		RequiresHumanApproval: reply.RequiresHuman,
	}, nil
}

// Vote gives the agent's opinion of d. A payload that contradicts the
// ground truth is rejected without consulting the oracle.
func (a *OracleAgent) Vote(ctx context.Context, d domain.AgentDecision) (*domain.Vote, error) {
	issues, err := groundTruth(ctx, a.role, a.inventory, d.Data)
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		return &domain.Vote{
			Agent:      a.role,
			Vote:       domain.VoteReject,
			Confidence: 1.0,
			Reasoning:  joinIssues(issues),
		}, nil
	}

	prompt := fmt.Sprintf("%s proposes %q. Vote approve, reject, or conditional.", d.Agent.AgentName(), d.Action)
	reply, err := a.decide(ctx, "vote", prompt, d)
	if err != nil {
		return nil, err
	}

	v := &domain.Vote{
		Agent:      a.role,
		Confidence: reply.Confidence,
		Reasoning:  reply.Reasoning,
		Conditions: reply.Conditions,
	}
	switch reply.Decision {
	case domain.DecisionApprove:
		v.Vote = domain.VoteApprove
	case domain.DecisionReject:
		v.Vote = domain.VoteReject
	default:
		v.Vote = domain.VoteConditional
		if len(v.Conditions) == 0 {
			v.Conditions = []string{fmt.Sprintf("%s could not decide: %s", a.role.AgentName(), reply.Reasoning)}
		}
	}
	return v, nil
}

// ValidateWithOtherAgents checks data against the inventory and then asks
// the oracle for objections. An unavailable oracle is returned as the
// tagged *oracle.Error so the caller can tell it from a real failure.
func (a *OracleAgent) ValidateWithOtherAgents(ctx context.Context, data map[string]any) (*domain.ValidationResult, error) {
	issues, err := groundTruth(ctx, a.role, a.inventory, data)
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		return &domain.ValidationResult{IsValid: false, Issues: issues, Confidence: 1.0}, nil
	}

	reply, err := a.decide(ctx, "validate", "Validate this payload against your responsibilities.", data)
	if err != nil {
		var ire *oracle.InvalidReplyError
		if errors.As(err, &ire) {
			return &domain.ValidationResult{
				IsValid:         true,
				Confidence:      0.5,
				Recommendations: []string{"oracle review discarded: " + joinIssues(ire.Violations)},
			}, nil
		}
		return nil, err
	}

	res := &domain.ValidationResult{
		IsValid:         reply.Decision != domain.DecisionReject,
		Recommendations: append(reply.Recommendations, reply.Conditions...),
		Confidence:      reply.Confidence,
	}
	if !res.IsValid {
		res.Issues = reply.Issues
		if len(res.Issues) == 0 {
			res.Issues = []string{reply.Reasoning}
		}
	}
	return res, nil
}

// decide runs the guard checks and one oracle call. Guard refusals come
// back as unavailability-tagged errors.
func (a *OracleAgent) decide(ctx context.Context, task, prompt string, payload any) (*oracle.Reply, error) {
	if a.guard != nil {
		if err := a.guard.CheckAll(a.role); err != nil {
			return nil, &oracle.Error{Kind: oracle.KindRateLimited, Err: err}
		}
	}
	if a.decider == nil {
		return nil, &oracle.Error{Kind: oracle.KindUnauthorized, Err: domain.ErrOracleDisabled}
	}
	return a.decider.Decide(ctx, oracle.Query{
		Role:         a.role,
		Instructions: instructions(a.role, task),
		Prompt:       prompt,
		Payload:      payload,
	})
}

func (a *OracleAgent) degradedResponse(req domain.AgentRequest, oe *oracle.Error) *domain.AgentResponse {
	resp := &domain.AgentResponse{
		Agent:             a.role,
		Data:              req.Context,
		Timestamp:         a.now(),
		OracleUnavailable: true,
	}
	if req.Type == domain.RequestTypeValidation {
		resp.Decision = domain.DecisionApprove
		resp.Confidence = 0.5
		resp.Reasoning = "decision oracle unavailable; validation passed without oracle review"
		return resp
	}
	resp.Decision = domain.DecisionReject
	resp.Reasoning = "decision oracle unavailable"
	resp.Issues = []string{oe.Error()}
	return resp
}

func (a *OracleAgent) consultPeers(ctx context.Context, req domain.AgentRequest) []map[string]any {
	query := domain.AgentRequest{
		ID:      req.ID,
		Prompt:  req.Prompt,
		Type:    domain.RequestTypeQuery,
		Context: req.Context,
	}
	var opinions []map[string]any
	for _, r := range a.peers.Broadcast(ctx, a.role, query) {
		opinions = append(opinions, map[string]any{
			"agent":      r.Agent,
			"decision":   r.Decision,
			"reasoning":  r.Reasoning,
			"confidence": r.Confidence,
		})
	}
	return opinions
}

func joinIssues(issues []string) string {
	return strings.Join(issues, "; ")
}

// fromCaller reports whether a request came from outside the agent panel.
// Only those may fan out to peers, so peer requests never recurse.
func fromCaller(from domain.Role) bool {
	return from == "" || from == domain.RoleOrchestrator
}

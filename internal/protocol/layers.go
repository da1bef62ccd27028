package protocol

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/consensus"
	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/oracle"
)

// selfValidation asks the proposing agent to check its own data.
func (p *Protocol) selfValidation(ctx context.Context, in Input, _ *domain.ProtocolResult) *domain.LayerResult {
	lr := &domain.LayerResult{}
	name := in.Decision.Agent.AgentName()
	if in.Target == nil {
		lr.Errors = append(lr.Errors, name+" is not available for self-validation")
		return lr
	}

	vr, err := in.Target.ValidateWithOtherAgents(ctx, in.Decision.Data)
	if err == nil && vr == nil {
		err = agent.ErrNoResult
	}
	if err != nil {
		lr.OracleUnavailable = oracle.IsUnavailable(err)
		lr.Errors = append(lr.Errors, fmt.Sprintf("%s self-validation failed: %v", name, err))
		return lr
	}

	lr.IsValid = vr.IsValid
	if !vr.IsValid {
		lr.Errors = append(lr.Errors, issuesOf(name, vr, "rejected its own proposal")...)
	}
	lr.Warnings = append(lr.Warnings, prefixed(name, vr.Recommendations)...)
	return lr
}

// crossValidation asks the agents related to the proposer to validate the
// same data. Oracle outages on a peer are warnings only.
func (p *Protocol) crossValidation(ctx context.Context, in Input, _ *domain.ProtocolResult) *domain.LayerResult {
	lr := &domain.LayerResult{}
	if reason, ok := p.degraded(); ok {
		lr.IsValid = true
		lr.Skipped = true
		lr.Warnings = append(lr.Warnings, "cross-validation skipped: "+reason)
		return lr
	}

	var peers []agent.Agent
	for _, role := range agent.Related(in.Decision.Agent) {
		a, err := p.agents.Get(role)
		if err != nil {
			lr.Warnings = append(lr.Warnings, role.AgentName()+" is not registered; cross-validation skipped")
			continue
		}
		peers = append(peers, a)
	}

	results := make([]*domain.ValidationResult, len(peers))
	errs := make([]error, len(peers))
	var g errgroup.Group
	if p.cfg.MaxParallel > 0 {
		g.SetLimit(p.cfg.MaxParallel)
	}
	for i, a := range peers {
		g.Go(func() error {
			results[i], errs[i] = a.ValidateWithOtherAgents(ctx, in.Decision.Data)
			if errs[i] == nil && results[i] == nil {
				errs[i] = agent.ErrNoResult
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, a := range peers {
		name := a.Info().Name
		switch {
		case errs[i] != nil && oracle.IsUnavailable(errs[i]):
			lr.OracleUnavailable = true
			lr.Warnings = append(lr.Warnings, name+": decision oracle unavailable, cross-validation skipped")
		case errs[i] != nil:
			lr.Errors = append(lr.Errors, fmt.Sprintf("%s: cross-validation failed: %v", name, errs[i]))
		case !results[i].IsValid:
			lr.Errors = append(lr.Errors, issuesOf(name, results[i], "rejected the data")...)
		default:
			lr.Warnings = append(lr.Warnings, prefixed(name, results[i].Recommendations)...)
		}
	}

	lr.IsValid = len(lr.Errors) == 0
	return lr
}

// consensusLayer polls every registered agent. For production-log
// decisions a failed consensus is only a warning.
func (p *Protocol) consensusLayer(ctx context.Context, in Input, _ *domain.ProtocolResult) *domain.LayerResult {
	lr := &domain.LayerResult{}
	if reason, ok := p.degraded(); ok {
		lr.IsValid = true
		lr.Skipped = true
		lr.Consensus = &domain.ConsensusResult{IsConsensus: true, ApprovalRate: 1, EffectiveApproval: 1}
		lr.Warnings = append(lr.Warnings, "consensus skipped: "+reason)
		return lr
	}

	cr := p.consensus.BuildConsensus(ctx, in.Decision, p.agents.Agents(), p.cfg.Consensus)
	lr.Consensus = cr
	lr.OracleUnavailable = cr.OracleUnavailable
	lr.Warnings = append(lr.Warnings, cr.Warnings...)

	if cr.IsConsensus {
		lr.IsValid = true
		for _, c := range cr.Conditions {
			lr.Warnings = append(lr.Warnings, "condition: "+c)
		}
		return lr
	}

	analysis := consensus.AnalyzeConsensus(cr, p.cfg.Consensus)
	problems := append([]string{fmt.Sprintf(
		"consensus not reached: approval %.0f%% (%d approve, %d reject, %d conditional of %d votes)",
		cr.EffectiveApproval*100, cr.ApproveVotes, cr.RejectVotes, cr.ConditionalVotes, cr.TotalVotes)},
		analysis.Recommendations...)

	if domain.IsProductionLog(in.Decision.Action) {
		lr.IsValid = true
		lr.Warnings = append(lr.Warnings, "production log accepted without consensus")
		lr.Warnings = append(lr.Warnings, problems...)
		return lr
	}
	lr.Errors = append(lr.Errors, problems...)
	return lr
}

// humanGate escalates high-stakes decisions to a human approver.
func (p *Protocol) humanGate(ctx context.Context, in Input, res *domain.ProtocolResult) *domain.LayerResult {
	lr := &domain.LayerResult{IsValid: true}
	d := in.Decision

	reason, escalate := escalation(d)
	if !escalate {
		if reason != "" {
			lr.Warnings = append(lr.Warnings, reason)
		}
		return lr
	}
	if p.approvals == nil {
		lr.IsValid = false
		lr.Errors = append(lr.Errors, "human approval required but no approval store is configured")
		return lr
	}

	now := p.now()
	req := domain.HumanApprovalRequest{
		DecisionID: uuid.NewString(),
		Agent:      d.Agent,
		Action:     d.Action,
		Data:       d.Data,
		Reasoning:  d.Reasoning,
		Severity:   d.Severity,
		Status:     domain.ApprovalPending,
		ExpiryAt:   now.Add(p.cfg.ApprovalTTL),
		CreatedAt:  now,
	}
	approval, created, err := p.approvals.CreateOrReusePending(ctx, req)
	if err != nil {
		lr.IsValid = false
		lr.Errors = append(lr.Errors, fmt.Sprintf("create human approval: %v", err))
		return lr
	}

	res.ApprovalID = approval.DecisionID
	res.FinalDecision = domain.FinalPendingApproval
	if created {
		lr.Warnings = append(lr.Warnings, fmt.Sprintf("human approval %s required: %s", approval.DecisionID, reason))
	} else {
		lr.Warnings = append(lr.Warnings, fmt.Sprintf("human approval %s already pending for %s %s",
			approval.DecisionID, d.Agent.AgentName(), d.Action))
	}
	return lr
}

// escalation reports whether d needs a human and why. Price-setting
// actions ignore the explicit sign-off flag; reason then explains the
// exemption.
func escalation(d domain.AgentDecision) (string, bool) {
	if d.Severity.RequiresEscalation() {
		return fmt.Sprintf("severity %s", d.Severity), true
	}
	if d.RequiresHumanApproval {
		if domain.IsPriceSetting(d.Action) {
			return fmt.Sprintf("%s is exempt from human sign-off", d.Action), false
		}
		return "flagged for human sign-off", true
	}
	return "", false
}

func issuesOf(name string, vr *domain.ValidationResult, fallback string) []string {
	if len(vr.Issues) == 0 {
		return []string{name + " " + fallback}
	}
	return prefixed(name, vr.Issues)
}

func prefixed(name string, items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, name+": "+s)
	}
	return out
}

// Package consensus aggregates agent votes on a decision into one verdict.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/logger"
	"github.com/ironmill-erp/decision-engine/internal/oracle"
)

// Options are the per-call consensus rules.
type Options struct {
	MinApprovalRate  float64
	RequireUnanimous bool
	AllowConditional bool
	// MinConfidence demotes approve votes below it to conditional.
	MinConfidence float64
}

// DefaultOptions returns the rules used when none are configured.
func DefaultOptions() Options {
	return Options{
		MinApprovalRate:  0.7,
		AllowConditional: true,
		MinConfidence:    0.5,
	}
}

// TolerancePolicy bounds how much dissent a strong majority may override.
type TolerancePolicy struct {
	// OverrideMinApproval is the effective approval needed to override
	// up to MaxOverriddenRejects reject votes.
	OverrideMinApproval  float64
	MaxOverriddenRejects int
	// ProductionLogMinApproval applies to production-log decisions, whose
	// rejects must all be minor and at most ProductionLogMaxMinorRejects.
	ProductionLogMinApproval     float64
	ProductionLogMaxMinorRejects int
	Dissent                      DissentClassifier
}

// DefaultTolerance returns the standard carve-out thresholds.
func DefaultTolerance() TolerancePolicy {
	return TolerancePolicy{
		OverrideMinApproval:          0.8,
		MaxOverriddenRejects:         1,
		ProductionLogMinApproval:     0.7,
		ProductionLogMaxMinorRejects: 2,
		Dissent: DissentClassifier{
			MaxConfidence: 0.6,
			Markers:       DefaultMinorMarkers,
		},
	}
}

// Engine collects votes and decides whether they amount to consensus.
type Engine struct {
	Tolerance   TolerancePolicy
	Validator   VoteValidator
	MaxParallel int
	logger      *slog.Logger
}

// NewEngine creates an Engine. maxParallel bounds concurrent vote
// collection; non-positive means unbounded.
func NewEngine(tol TolerancePolicy, maxParallel int, l *slog.Logger) *Engine {
	return &Engine{
		Tolerance:   tol,
		MaxParallel: maxParallel,
		logger:      logger.OrDefault(l),
	}
}

// BuildConsensus asks every agent to vote on d concurrently and tallies the
// votes. A failed or malformed vote is recorded in VoteErrors and left out
// of the counts.
func (e *Engine) BuildConsensus(ctx context.Context, d domain.AgentDecision, agents []agent.Agent, opts Options) *domain.ConsensusResult {
	votes := make([]*domain.Vote, len(agents))
	errs := make([]error, len(agents))

	var g errgroup.Group
	if e.MaxParallel > 0 {
		g.SetLimit(e.MaxParallel)
	}
	for i, a := range agents {
		g.Go(func() error {
			v, err := a.Vote(ctx, d)
			if err == nil && v == nil {
				err = agent.ErrNoResult
			}
			if err == nil {
				if v.Agent == "" {
					v.Agent = a.Info().Role
				}
				err = e.Validator.Validate(*v)
			}
			if err != nil {
				errs[i] = err
				return nil
			}
			votes[i] = v
			return nil
		})
	}
	_ = g.Wait()

	var collected []domain.Vote
	voteErrors := make(map[domain.Role]string)
	oracleDown := false
	for i, a := range agents {
		if errs[i] != nil {
			role := a.Info().Role
			voteErrors[role] = errs[i].Error()
			if oracle.IsUnavailable(errs[i]) {
				oracleDown = true
			}
			e.logger.WarnContext(ctx, "vote collection failed", "role", role, "action", d.Action, "error", errs[i])
			continue
		}
		collected = append(collected, *votes[i])
	}

	res := e.Tally(d, collected, opts)
	if len(voteErrors) > 0 {
		res.VoteErrors = voteErrors
	}
	res.OracleUnavailable = oracleDown
	return res
}

// Tally applies opts and the tolerance policy to votes.
func (e *Engine) Tally(d domain.AgentDecision, votes []domain.Vote, opts Options) *domain.ConsensusResult {
	res := &domain.ConsensusResult{
		TotalVotes: len(votes),
		Opinions:   votes,
	}
	if res.TotalVotes == 0 {
		res.Warnings = append(res.Warnings, "no votes collected")
		return res
	}

	seen := make(map[string]bool)
	addCondition := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			res.Conditions = append(res.Conditions, c)
		}
	}

	for _, v := range votes {
		switch v.Vote {
		case domain.VoteApprove:
			if opts.MinConfidence > 0 && v.Confidence < opts.MinConfidence {
				res.ConditionalVotes++
				addCondition(fmt.Sprintf("%s approves with low confidence (%.2f)", v.Agent.AgentName(), v.Confidence))
				continue
			}
			res.ApproveVotes++
		case domain.VoteReject:
			res.RejectVotes++
		case domain.VoteConditional:
			res.ConditionalVotes++
			for _, c := range v.Conditions {
				addCondition(c)
			}
		}
	}

	total := float64(res.TotalVotes)
	res.ApprovalRate = float64(res.ApproveVotes) / total
	effective := res.ApproveVotes
	if opts.AllowConditional {
		effective += res.ConditionalVotes
	}
	res.EffectiveApproval = float64(effective) / total

	if opts.RequireUnanimous {
		res.IsConsensus = res.RejectVotes == 0 && res.ConditionalVotes == 0 && res.ApproveVotes == res.TotalVotes
		return res
	}

	res.IsConsensus = res.EffectiveApproval >= opts.MinApprovalRate && res.RejectVotes == 0
	if !res.IsConsensus && res.RejectVotes > 0 {
		if warning, ok := e.tolerate(d, votes, res); ok {
			res.IsConsensus = true
			res.Warnings = append(res.Warnings, warning)
		}
	}
	return res
}

// tolerate applies the carve-out that lets a strong majority override a
// bounded number of reject votes.
func (e *Engine) tolerate(d domain.AgentDecision, votes []domain.Vote, res *domain.ConsensusResult) (string, bool) {
	t := e.Tolerance

	if res.RejectVotes <= t.MaxOverriddenRejects && res.EffectiveApproval >= t.OverrideMinApproval {
		return fmt.Sprintf("consensus reached over %d dissenting vote(s) from %s at %.0f%% effective approval",
			res.RejectVotes, dissenters(votes), res.EffectiveApproval*100), true
	}

	if domain.IsProductionLog(d.Action) {
		minor, major := t.Dissent.Rejections(votes)
		if len(major) == 0 && len(minor) <= t.ProductionLogMaxMinorRejects &&
			res.EffectiveApproval >= t.ProductionLogMinApproval {
			return fmt.Sprintf("production log accepted over %d minor objection(s) from %s at %.0f%% effective approval",
				len(minor), dissenters(votes), res.EffectiveApproval*100), true
		}
	}
	return "", false
}

func dissenters(votes []domain.Vote) string {
	var names []string
	for _, v := range votes {
		if v.Vote == domain.VoteReject {
			names = append(names, v.Agent.AgentName())
		}
	}
	return strings.Join(names, ", ")
}

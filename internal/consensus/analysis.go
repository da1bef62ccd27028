package consensus

import (
	"fmt"
	"sort"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// Outcome classifies a consensus result.
type Outcome string

const (
	OutcomeApproved    Outcome = "approved"
	OutcomeRejected    Outcome = "rejected"
	OutcomeConditional Outcome = "conditional"
)

// Analysis is the human-readable reading of a ConsensusResult.
type Analysis struct {
	Outcome         Outcome  `json:"outcome"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// AnalyzeConsensus classifies r and lists what would change the outcome:
// the approval shortfall, each rejection reason, outstanding conditions,
// and agents whose votes could not be collected.
func AnalyzeConsensus(r *domain.ConsensusResult, opts Options) Analysis {
	var a Analysis
	switch {
	case r.IsConsensus && len(r.Conditions) > 0:
		a.Outcome = OutcomeConditional
	case r.IsConsensus:
		a.Outcome = OutcomeApproved
	default:
		a.Outcome = OutcomeRejected
	}

	if !r.IsConsensus && r.TotalVotes > 0 && r.EffectiveApproval < opts.MinApprovalRate {
		a.Recommendations = append(a.Recommendations, fmt.Sprintf(
			"effective approval %.0f%% is %.0f points below the required %.0f%%",
			r.EffectiveApproval*100, (opts.MinApprovalRate-r.EffectiveApproval)*100, opts.MinApprovalRate*100))
	}
	for _, v := range r.Opinions {
		if v.Vote == domain.VoteReject {
			a.Recommendations = append(a.Recommendations, fmt.Sprintf("address %s objection: %s", v.Agent.AgentName(), v.Reasoning))
		}
	}
	for _, c := range r.Conditions {
		a.Recommendations = append(a.Recommendations, "satisfy condition: "+c)
	}

	roles := make([]string, 0, len(r.VoteErrors))
	for role := range r.VoteErrors {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)
	for _, role := range roles {
		a.Recommendations = append(a.Recommendations, fmt.Sprintf("retry vote from %s: %s", domain.Role(role).AgentName(), r.VoteErrors[domain.Role(role)]))
	}
	return a
}

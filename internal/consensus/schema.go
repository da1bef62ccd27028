package consensus

import (
	"fmt"
	"strings"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// VoteValidator validates Vote fields before they are tallied.
type VoteValidator struct{}

var validVotes = map[domain.VoteKind]bool{
	domain.VoteApprove:     true,
	domain.VoteReject:      true,
	domain.VoteConditional: true,
}

// Validate checks all fields of v and returns an error listing all
// violations if any are found.
func (VoteValidator) Validate(v domain.Vote) error {
	var violations []string

	if v.Agent == "" {
		violations = append(violations, "Agent must be non-empty")
	}
	if !validVotes[v.Vote] {
		violations = append(violations, fmt.Sprintf("Vote %q is not valid, must be approve, reject, or conditional", v.Vote))
	}
	if !(v.Confidence >= 0 && v.Confidence <= 1) {
		violations = append(violations, fmt.Sprintf("Confidence %g out of range [0, 1]", v.Confidence))
	}

	if len(violations) > 0 {
		msg := strings.Join(violations, "; ")
		return domain.NewEngineError(domain.ErrVoteInvalid.Code, msg)
	}
	return nil
}

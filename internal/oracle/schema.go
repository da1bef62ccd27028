package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// Reply is the structured decision the oracle must return.
type Reply struct {
	Decision        domain.Decision `json:"decision"`
	Action          string          `json:"action,omitempty"`
	Data            map[string]any  `json:"data,omitempty"`
	Reasoning       string          `json:"reasoning"`
	Confidence      float64         `json:"confidence"`
	Severity        domain.Severity `json:"severity,omitempty"`
	Issues          []string        `json:"issues,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Conditions      []string        `json:"conditions,omitempty"`
	RequiresHuman   bool            `json:"requires_human_approval,omitempty"`
}

var validDecisions = map[domain.Decision]bool{
	domain.DecisionApprove:     true,
	domain.DecisionReject:      true,
	domain.DecisionConditional: true,
	domain.DecisionPending:     true,
}

// DecodeReply parses content strictly into a Reply. Unknown fields, trailing
// data, and out-of-range values are all reported as an *InvalidReplyError.
func DecodeReply(content string) (*Reply, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()

	var r Reply
	if err := dec.Decode(&r); err != nil {
		return nil, &InvalidReplyError{Violations: []string{fmt.Sprintf("malformed reply: %v", err)}}
	}
	if dec.More() {
		return nil, &InvalidReplyError{Violations: []string{"trailing data after reply object"}}
	}
	if err := ValidateReply(r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ValidateReply checks every field of r and returns an error listing all
// violations if any are found.
func ValidateReply(r Reply) error {
	var violations []string

	if !validDecisions[r.Decision] {
		violations = append(violations, fmt.Sprintf("decision %q is not valid; must be approve, reject, conditional, or pending", r.Decision))
	}
	if strings.TrimSpace(r.Reasoning) == "" {
		violations = append(violations, "reasoning must be non-empty")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		violations = append(violations, fmt.Sprintf("confidence %g out of range [0, 1]", r.Confidence))
	}
	if r.Severity != "" && !r.Severity.Valid() {
		violations = append(violations, fmt.Sprintf("severity %q is not valid", r.Severity))
	}

	if len(violations) > 0 {
		return &InvalidReplyError{Violations: violations}
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

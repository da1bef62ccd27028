package consensus

import (
	"strings"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// DefaultMinorMarkers are reasoning fragments that mark a rejection as a
// complaint about missing explanation rather than a substantive objection.
var DefaultMinorMarkers = []string{
	"no explanation",
	"missing explanation",
	"not explained",
	"without explanation",
	"insufficient detail",
}

// DissentClassifier separates minor rejections from substantive ones.
type DissentClassifier struct {
	MaxConfidence float64
	Markers       []string
}

// IsMinor reports whether a reject vote is minor: low confidence, or
// reasoning that only objects to missing explanation.
func (c DissentClassifier) IsMinor(v domain.Vote) bool {
	if v.Vote != domain.VoteReject {
		return false
	}
	if v.Confidence <= c.MaxConfidence {
		return true
	}
	reason := strings.ToLower(v.Reasoning)
	for _, m := range c.Markers {
		if m != "" && strings.Contains(reason, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Rejections returns the reject votes split into minor and substantive.
func (c DissentClassifier) Rejections(votes []domain.Vote) (minor, major []domain.Vote) {
	for _, v := range votes {
		if v.Vote != domain.VoteReject {
			continue
		}
		if c.IsMinor(v) {
			minor = append(minor, v)
		} else {
			major = append(major, v)
		}
	}
	return minor, major
}

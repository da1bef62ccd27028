package orchestrator

import (
	"fmt"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// validTransitions defines the legal conversation status transitions.
var validTransitions = map[domain.ConversationStatus]map[domain.ConversationStatus]bool{
	domain.ConversationPending:    {domain.ConversationInProgress: true},
	domain.ConversationInProgress: {domain.ConversationCompleted: true, domain.ConversationFailed: true},
}

// IsValidTransition checks if a status transition is legal.
func IsValidTransition(from, to domain.ConversationStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

func transition(c *domain.Conversation, to domain.ConversationStatus) error {
	if !IsValidTransition(c.Status, to) {
		return domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("conversation %s: %s -> %s", c.ID, c.Status, to))
	}
	c.Status = to
	return nil
}

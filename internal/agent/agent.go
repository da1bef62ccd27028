// Package agent defines the role agent contract, the role-keyed event bus
// that relays messages between agents, and the oracle-backed agent that
// ships for every business role.
package agent

import (
	"context"
	"errors"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// ErrNoResult is reported when an agent returns neither a result nor an error.
var ErrNoResult = errors.New("agent returned no result")

// Info identifies an agent.
type Info struct {
	Name string      `json:"name"`
	Role domain.Role `json:"role"`
}

// Agent is a role-specialized decision unit.
type Agent interface {
	Info() Info
	// ProcessRequest produces a decision for req.
	ProcessRequest(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error)
	// Vote adapts the agent's opinion of d into consensus-vote form.
	Vote(ctx context.Context, d domain.AgentDecision) (*domain.Vote, error)
	// ValidateWithOtherAgents checks data against the ground truth the agent owns.
	ValidateWithOtherAgents(ctx context.Context, data map[string]any) (*domain.ValidationResult, error)
}

// EventSink receives bus traffic for observability.
type EventSink interface {
	Publish(ctx context.Context, ev domain.AgentEvent) error
}

// MultiSink fans an event out to several sinks.
type MultiSink []EventSink

// Publish delivers ev to every sink and joins their errors.
func (m MultiSink) Publish(ctx context.Context, ev domain.AgentEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

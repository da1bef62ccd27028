// Package agenttest provides a scriptable agent.Agent for tests.
package agenttest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// Stub is an agent whose answers are fixed fields or functions. Unset
// fields fall back to approve at confidence 0.9.
type Stub struct {
	Role domain.Role

	Response   *domain.AgentResponse
	ProcessErr error
	ProcessFn  func(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error)

	VoteResult *domain.Vote
	VoteErr    error
	// NoVote makes Vote return nil, nil.
	NoVote bool

	Validation  *domain.ValidationResult
	ValidateErr error
	// NoValidation makes ValidateWithOtherAgents return nil, nil.
	NoValidation bool

	processCalls  atomic.Int64
	voteCalls     atomic.Int64
	validateCalls atomic.Int64

	mu       sync.Mutex
	requests []domain.AgentRequest
}

// New returns a Stub for role with default answers.
func New(role domain.Role) *Stub {
	return &Stub{Role: role}
}

// Info implements agent.Agent.
func (s *Stub) Info() agent.Info {
	return agent.Info{Name: s.Role.AgentName(), Role: s.Role}
}

// ProcessRequest implements agent.Agent.
func (s *Stub) ProcessRequest(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	s.processCalls.Add(1)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.ProcessFn != nil {
		return s.ProcessFn(ctx, req)
	}
	if s.ProcessErr != nil {
		return nil, s.ProcessErr
	}
	if s.Response != nil {
		r := *s.Response
		if r.Agent == "" {
			r.Agent = s.Role
		}
		return &r, nil
	}
	return &domain.AgentResponse{
		Agent:      s.Role,
		Decision:   domain.DecisionApprove,
		Data:       req.Context,
		Reasoning:  "stub approves",
		Confidence: 0.9,
		Timestamp:  time.Now(),
	}, nil
}

// Vote implements agent.Agent.
func (s *Stub) Vote(_ context.Context, _ domain.AgentDecision) (*domain.Vote, error) {
	s.voteCalls.Add(1)
	if s.VoteErr != nil || s.NoVote {
		return nil, s.VoteErr
	}
	if s.VoteResult != nil {
		v := *s.VoteResult
		if v.Agent == "" {
			v.Agent = s.Role
		}
		return &v, nil
	}
	return &domain.Vote{Agent: s.Role, Vote: domain.VoteApprove, Confidence: 0.9, Reasoning: "stub approves"}, nil
}

// ValidateWithOtherAgents implements agent.Agent.
func (s *Stub) ValidateWithOtherAgents(_ context.Context, _ map[string]any) (*domain.ValidationResult, error) {
	s.validateCalls.Add(1)
	if s.ValidateErr != nil || s.NoValidation {
		return nil, s.ValidateErr
	}
	if s.Validation != nil {
		v := *s.Validation
		return &v, nil
	}
	return &domain.ValidationResult{IsValid: true, Confidence: 0.9}, nil
}

// ProcessCalls returns how many times ProcessRequest ran.
func (s *Stub) ProcessCalls() int { return int(s.processCalls.Load()) }

// VoteCalls returns how many times Vote ran.
func (s *Stub) VoteCalls() int { return int(s.voteCalls.Load()) }

// ValidateCalls returns how many times ValidateWithOtherAgents ran.
func (s *Stub) ValidateCalls() int { return int(s.validateCalls.Load()) }

// Requests returns the requests received so far.
func (s *Stub) Requests() []domain.AgentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgentRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Panel registers one default Stub per role on a new bus.
func Panel(roles ...domain.Role) (*agent.Bus, map[domain.Role]*Stub) {
	bus := agent.NewBus()
	stubs := make(map[domain.Role]*Stub, len(roles))
	for _, r := range roles {
		s := New(r)
		stubs[r] = s
		bus.Register(s)
	}
	return bus, stubs
}

package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/agent/agenttest"
	"github.com/ironmill-erp/decision-engine/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AgentEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev domain.AgentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) kinds() []domain.AgentEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgentEventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func TestBus_RegisterIsIdempotentPerRole(t *testing.T) {
	bus := agent.NewBus()
	first := agenttest.New(domain.RoleSales)
	second := agenttest.New(domain.RoleSales)

	assert.True(t, bus.Register(first))
	assert.False(t, bus.Register(second))

	got, err := bus.Get(domain.RoleSales)
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Len(t, bus.Agents(), 1)
}

func TestBus_GetUnknownRole(t *testing.T) {
	bus := agent.NewBus()
	_, err := bus.Get(domain.RoleQuality)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAgentNotFound))
	assert.Contains(t, err.Error(), "Agent not found: quality")
}

func TestBus_AgentsSortedByRole(t *testing.T) {
	bus, _ := agenttest.Panel(domain.RoleWarehouse, domain.RolePlanning, domain.RoleSales)
	var roles []domain.Role
	for _, a := range bus.Agents() {
		roles = append(roles, a.Info().Role)
	}
	assert.Equal(t, []domain.Role{domain.RolePlanning, domain.RoleSales, domain.RoleWarehouse}, roles)
}

func TestBus_SendEmitsMessageAndResponse(t *testing.T) {
	sink := &recordingSink{}
	bus := agent.NewBus(agent.WithSink(sink))
	stub := agenttest.New(domain.RoleWarehouse)
	bus.Register(stub)

	resp, err := bus.Send(context.Background(), domain.RolePlanning, domain.RoleWarehouse, domain.AgentRequest{
		ID: "req-1", Prompt: "check stock", Type: domain.RequestTypeQuery,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApprove, resp.Decision)

	assert.Equal(t, []domain.AgentEventKind{domain.EventMessage, domain.EventResponse}, sink.kinds())
	msg := sink.events[0]
	assert.Equal(t, domain.RolePlanning, msg.From)
	assert.Equal(t, domain.RoleWarehouse, msg.To)
	assert.Equal(t, "req-1", msg.RequestID)
	assert.NotEmpty(t, msg.ID)

	var payload domain.AgentRequest
	require.NoError(t, json.Unmarshal([]byte(msg.PayloadJSON), &payload))
	assert.Equal(t, domain.RolePlanning, payload.From)

	require.Len(t, stub.Requests(), 1)
	assert.Equal(t, domain.RolePlanning, stub.Requests()[0].From)
}

func TestBus_SendPropagatesTargetFailure(t *testing.T) {
	sink := &recordingSink{}
	bus := agent.NewBus(agent.WithSink(sink))
	boom := errors.New("warehouse offline")
	stub := agenttest.New(domain.RoleWarehouse)
	stub.ProcessErr = boom
	bus.Register(stub)

	_, err := bus.Send(context.Background(), domain.RolePlanning, domain.RoleWarehouse, domain.AgentRequest{ID: "r"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []domain.AgentEventKind{domain.EventMessage, domain.EventError}, sink.kinds())
}

func TestBus_SendUnknownTarget(t *testing.T) {
	sink := &recordingSink{}
	bus := agent.NewBus(agent.WithSink(sink))

	_, err := bus.Send(context.Background(), domain.RolePlanning, domain.RoleSales, domain.AgentRequest{ID: "r"})
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
	assert.Empty(t, sink.kinds())
}

func TestBus_SinkFailureDoesNotFailSend(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	bus := agent.NewBus(agent.WithSink(sink))
	bus.Register(agenttest.New(domain.RoleSales))

	_, err := bus.Send(context.Background(), domain.RoleOrchestrator, domain.RoleSales, domain.AgentRequest{ID: "r"})
	assert.NoError(t, err)
	assert.Len(t, sink.kinds(), 2)
}

func TestBus_BroadcastExcludesSenderAndFailures(t *testing.T) {
	bus := agent.NewBus(agent.WithMaxParallel(2))
	planning := agenttest.New(domain.RolePlanning)
	warehouse := agenttest.New(domain.RoleWarehouse)
	purchase := agenttest.New(domain.RolePurchase)
	purchase.ProcessErr = errors.New("supplier feed down")
	sales := agenttest.New(domain.RoleSales)
	for _, s := range []*agenttest.Stub{planning, warehouse, purchase, sales} {
		bus.Register(s)
	}

	responses := bus.Broadcast(context.Background(), domain.RolePlanning, domain.AgentRequest{ID: "b1", Type: domain.RequestTypeQuery})

	require.Len(t, responses, 2)
	var agents []domain.Role
	for _, r := range responses {
		agents = append(agents, r.Agent)
	}
	assert.ElementsMatch(t, []domain.Role{domain.RoleWarehouse, domain.RoleSales}, agents)
	assert.Zero(t, planning.ProcessCalls(), "sender must not receive its own broadcast")
	assert.Equal(t, 1, purchase.ProcessCalls())
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("nats down")}
	err := agent.MultiSink{ok, nil, bad}.Publish(context.Background(), domain.AgentEvent{ID: "e"})
	require.Error(t, err)
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}

func TestRelated(t *testing.T) {
	assert.Equal(t, []domain.Role{domain.RoleWarehouse, domain.RoleProduction, domain.RolePurchase}, agent.Related(domain.RolePlanning))
	assert.Equal(t, []domain.Role{domain.RoleProduction, domain.RoleWarehouse}, agent.Related(domain.RoleQuality))
	assert.Empty(t, agent.Related(domain.RoleOrchestrator))

	peers := agent.Related(domain.RoleSales)
	peers[0] = domain.RoleQuality
	assert.Equal(t, domain.RolePlanning, agent.Related(domain.RoleSales)[0], "Related must return a copy")
}

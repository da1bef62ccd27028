package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/logger"
)

// Bus is a thread-safe, role-keyed registry that relays requests between
// agents and reports the traffic to an EventSink.
type Bus struct {
	mu     sync.RWMutex
	agents map[domain.Role]Agent

	sink        EventSink
	logger      *slog.Logger
	maxParallel int
	now         func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithSink sets the observability sink.
func WithSink(s EventSink) BusOption {
	return func(b *Bus) { b.sink = s }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger.OrDefault(l) }
}

// WithMaxParallel bounds broadcast fan-out. Non-positive means unbounded.
func WithMaxParallel(n int) BusOption {
	return func(b *Bus) { b.maxParallel = n }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		agents: make(map[domain.Role]Agent),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register adds a under its role. Registering a role twice keeps the first
// agent and reports false.
func (b *Bus) Register(a Agent) bool {
	role := a.Info().Role

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.agents[role]; exists {
		return false
	}
	b.agents[role] = a
	return true
}

// Get returns the agent registered for role.
func (b *Bus) Get(role domain.Role) (Agent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	a, ok := b.agents[role]
	if !ok {
		return nil, domain.AgentNotFound(role)
	}
	return a, nil
}

// Agents returns every registered agent sorted by role.
func (b *Bus) Agents() []Agent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := make([]Agent, 0, len(b.agents))
	for _, a := range b.agents {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Info().Role < list[j].Info().Role
	})
	return list
}

// Send forwards req from one role to another and returns the target's
// response. The target's failure is returned unchanged.
func (b *Bus) Send(ctx context.Context, from, to domain.Role, req domain.AgentRequest) (*domain.AgentResponse, error) {
	target, err := b.Get(to)
	if err != nil {
		return nil, err
	}

	req.From = from
	b.emit(ctx, domain.EventMessage, from, to, req.ID, req)

	resp, err := target.ProcessRequest(ctx, req)
	if err == nil && resp == nil {
		err = ErrNoResult
	}
	if err != nil {
		b.emit(ctx, domain.EventError, to, from, req.ID, map[string]string{"error": err.Error()})
		return nil, err
	}
	b.emit(ctx, domain.EventResponse, to, from, req.ID, resp)
	return resp, nil
}

// Broadcast sends req to every agent except from, concurrently. Failed
// deliveries are logged and left out of the result.
func (b *Bus) Broadcast(ctx context.Context, from domain.Role, req domain.AgentRequest) []*domain.AgentResponse {
	var targets []domain.Role
	for _, a := range b.Agents() {
		if role := a.Info().Role; role != from {
			targets = append(targets, role)
		}
	}

	results := make([]*domain.AgentResponse, len(targets))
	var g errgroup.Group
	if b.maxParallel > 0 {
		g.SetLimit(b.maxParallel)
	}
	for i, to := range targets {
		g.Go(func() error {
			resp, err := b.Send(ctx, from, to, req)
			if err != nil {
				b.logger.WarnContext(ctx, "broadcast delivery failed",
					"from", from, "to", to, "request_id", req.ID, "error", err)
				return nil
			}
			results[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*domain.AgentResponse, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (b *Bus) emit(ctx context.Context, kind domain.AgentEventKind, from, to domain.Role, requestID string, payload any) {
	if b.sink == nil {
		return
	}
	ev := domain.AgentEvent{
		ID:          uuid.NewString(),
		Kind:        kind,
		From:        from,
		To:          to,
		RequestID:   requestID,
		PayloadJSON: mustJSON(payload),
		CreatedAt:   b.now().UnixMilli(),
	}
	if err := b.sink.Publish(ctx, ev); err != nil {
		b.logger.DebugContext(ctx, "event publish failed", "kind", kind, "error", err)
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

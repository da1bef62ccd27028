// Package resilience provides failure isolation for calls into agents and
// the degradation cache that tracks decision-oracle availability.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = domain.ErrCircuitOpen

// State is the position of a breaker in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// MarshalText renders the state as its name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig holds the thresholds shared by every breaker in a registry.
type BreakerConfig struct {
	// FailureThreshold failures within MonitoringPeriod trip the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open, and also the deadline
	// applied to each guarded call.
	Timeout time.Duration
	// MonitoringPeriod bounds the window in which failures accumulate.
	MonitoringPeriod time.Duration
}

// DefaultBreakerConfig returns the thresholds used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	return c
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Route         string     `json:"route"`
	State         State      `json:"state"`
	Failures      int        `json:"failures"`
	Successes     int        `json:"successes"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
}

// Breaker implements the circuit breaker pattern for one route.
// Failures accumulate inside a monitoring window; reaching the threshold
// opens the circuit until Timeout elapses, after which trial calls are let
// through one at a time.
type Breaker struct {
	mu    sync.Mutex
	route string
	cfg   BreakerConfig
	now   func() time.Time // for testing

	state         State
	failures      int
	successes     int
	windowStart   time.Time
	openedAt      time.Time
	lastFailureAt time.Time
	lastSuccessAt time.Time
	trialInFlight bool
}

// NewBreaker creates a closed breaker for the given route.
func NewBreaker(route string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		route: route,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// Route returns the key the breaker guards.
func (b *Breaker) Route() string {
	return b.route
}

// State returns the current state, advancing OPEN to HALF_OPEN if the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the circuit admits the call, bounding it by the
// breaker timeout. Returns ErrCircuitOpen without calling fn otherwise.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	err := fn(callCtx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

// Call runs fn through the breaker and invokes fallback with the cause when
// the circuit is open or fn fails.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback func(err error) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		if fallback == nil {
			return result, err
		}
		return fallback(err)
	}
	return result, nil
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Route:     b.route,
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
	}
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		s.State = StateHalfOpen
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if !b.lastSuccessAt.IsZero() {
		t := b.lastSuccessAt
		s.LastSuccessAt = &t
	}
	if b.state == StateOpen {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Reset forces the breaker back to CLOSED with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.trialInFlight = false
	b.windowStart = time.Time{}
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Timeout {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	now := b.now()
	b.lastFailureAt = now
	b.trialInFlight = false

	if b.state == StateHalfOpen {
		b.trip(now)
		return
	}

	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.MonitoringPeriod {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.lastSuccessAt = b.now()
	b.trialInFlight = false

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.windowStart = time.Time{}
		}
		return
	}

	b.failures = 0
	b.windowStart = time.Time{}
}

// trip must be called with b.mu held.
func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.successes = 0
}

// Package telemetry holds the engine's OpenTelemetry instruments and spans.
// Instruments come from the global providers, so they are no-ops until the
// binary installs real ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "decisiond"

// Metrics holds all decision engine metric instruments. A nil *Metrics
// records nothing.
type Metrics struct {
	ConversationsStarted metric.Int64Counter
	Decisions            metric.Int64Counter
	Degraded             metric.Int64Counter
	BreakerFallbacks     metric.Int64Counter
	LayerDuration        metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ConversationsStarted, err = meter.Int64Counter("decisiond.conversations.started",
		metric.WithDescription("Number of conversations started"))
	if err != nil {
		return nil, err
	}

	m.Decisions, err = meter.Int64Counter("decisiond.decisions",
		metric.WithDescription("Final decisions by outcome"))
	if err != nil {
		return nil, err
	}

	m.Degraded, err = meter.Int64Counter("decisiond.degraded",
		metric.WithDescription("Conversations approved on the degradation path"))
	if err != nil {
		return nil, err
	}

	m.BreakerFallbacks, err = meter.Int64Counter("decisiond.breaker.fallbacks",
		metric.WithDescription("Agent calls answered by the circuit breaker fallback"))
	if err != nil {
		return nil, err
	}

	m.LayerDuration, err = meter.Float64Histogram("decisiond.layer.duration_seconds",
		metric.WithDescription("Protocol layer duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ConversationStarted counts one started conversation.
func (m *Metrics) ConversationStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ConversationsStarted.Add(ctx, 1)
}

// Decision counts one final decision.
func (m *Metrics) Decision(ctx context.Context, final string) {
	if m == nil {
		return
	}
	m.Decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("final", final)))
}

// DegradedRun counts one conversation approved without the oracle.
func (m *Metrics) DegradedRun(ctx context.Context) {
	if m == nil {
		return
	}
	m.Degraded.Add(ctx, 1)
}

// BreakerFallback counts one fallback on route.
func (m *Metrics) BreakerFallback(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.BreakerFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// Layer records how long one protocol layer took.
func (m *Metrics) Layer(ctx context.Context, layer string, d time.Duration) {
	if m == nil {
		return
	}
	m.LayerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("layer", layer)))
}

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "decisiond"

// StartConversationSpan starts a span for one conversation.
func StartConversationSpan(ctx context.Context, conversationID, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "conversation",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("agent.role", role),
		),
	)
}

// StartLayerSpan starts a span for one protocol layer.
func StartLayerSpan(ctx context.Context, layer string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "layer",
		trace.WithAttributes(attribute.String("protocol.layer", layer)),
	)
}

// EndLayerSpan annotates span with the layer outcome and ends it.
func EndLayerSpan(span trace.Span, valid, skipped bool, errs []string) {
	span.SetAttributes(
		attribute.Bool("protocol.layer.valid", valid),
		attribute.Bool("protocol.layer.skipped", skipped),
		attribute.Int("protocol.layer.errors", len(errs)),
	)
	if !valid {
		span.SetStatus(codes.Error, "layer failed")
	}
	span.End()
}

package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrTaskID     = attribute.Key("orchestrator.task.id")
	AttrAgentID    = attribute.Key("orchestrator.agent.id")
	AttrContractID = attribute.Key("orchestrator.contract.id")
	AttrRoom       = attribute.Key("orchestrator.room")
	AttrSessionID  = attribute.Key("orchestrator.session.id")
	AttrRound      = attribute.Key("orchestrator.cnp.round")
)

// StartSpan is a convenience wrapper that starts an internal span with
// common attributes — used around DAG task dispatch and CNP rounds.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (realtime frame
// handling, approval requests).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call to an agent
// executor (docker/wasm runner, external bridge).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

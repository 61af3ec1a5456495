package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const engineTracerName = "chiefd-engine"

func engineTracer() trace.Tracer {
	return Tracer(engineTracerName)
}

// TraceSessionSpawn creates a span covering an agent session spawn.
func TraceSessionSpawn(ctx context.Context, role, mode, conversationID string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "session.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("role", role),
		attribute.String("mode", mode),
		attribute.String("conversation_id", conversationID),
	)
	return ctx, span
}

// TraceDutyRun creates a span covering one duty execution.
func TraceDutyRun(ctx context.Context, dutySlug, executionID string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "duty.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("duty", dutySlug),
		attribute.String("execution_id", executionID),
	)
	return ctx, span
}

// TraceMissionLaunch creates a span covering a mission dispatch: the
// execution row plus the session spawn. The run itself completes
// asynchronously and is settled by the scheduler's follow-up pass.
func TraceMissionLaunch(ctx context.Context, missionSlug, executionID string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "mission.launch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("mission", missionSlug),
		attribute.String("execution_id", executionID),
	)
	return ctx, span
}

// TraceWorkerRun creates a span covering a background worker run.
func TraceWorkerRun(ctx context.Context, workerID, taskType string) (context.Context, trace.Span) {
	ctx, span := engineTracer().Start(ctx, "worker.run",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("worker_id", workerID),
		attribute.String("task_type", taskType),
	)
	return ctx, span
}

// RecordResult records an operation's terminal status on its span.
func RecordResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

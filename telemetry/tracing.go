package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "conthunt.research"

	SpanAgentStep  = "conthunt.agent.step"
	SpanLLMCall    = "conthunt.llm.call"
	SpanToolCall   = "conthunt.tool.execute"
	SpanQuotaCheck = "conthunt.quota.check"

	AttrSessionID = "conthunt.session_id"
	AttrUserID    = "conthunt.user_id"
	AttrAction    = "conthunt.action"
	AttrProvider  = "conthunt.llm.provider"
	AttrModel     = "conthunt.llm.model"
	AttrOperation = "conthunt.llm.op"
	AttrToolName  = "conthunt.tool_name"
	AttrStatus    = "conthunt.status"
)

// StartSpan starts a span on the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// MarkSpanResult records err (redacted) on span and sets its status.
func MarkSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		msg := Redact(err.Error())
		span.RecordError(errors.New(msg))
		span.SetStatus(codes.Error, msg)
		span.SetAttributes(attribute.String(AttrStatus, statusOf(err)))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(AttrStatus, statusOf(nil)))
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

package react

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScopeReact = "missionloop.react"

	spanPlan        = "mission.plan"
	spanThink       = "mission.think"
	spanToolExecute = "mission.tool.execute"

	attrSessionID = "mission.session_id"
	attrRunID     = "mission.run_id"
	attrStep      = "mission.step"
	attrStatus    = "mission.status"
	attrToolName  = "mission.tool_name"
	attrReplan    = "mission.replan"
)

func startSpan(ctx context.Context, name string, rt *runtime, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+2)
	if rt != nil {
		spanAttrs = append(spanAttrs,
			attribute.String(attrSessionID, rt.sessionID),
			attribute.String(attrRunID, rt.runID),
		)
	}
	spanAttrs = append(spanAttrs, attrs...)
	return otel.Tracer(traceScopeReact).Start(ctx, name, trace.WithAttributes(spanAttrs...))
}

func markSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(attrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(attrStatus, "success"))
}

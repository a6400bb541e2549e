package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/samsaffron/forumchat/internal/llm"

// Telemetry is the side channel attached to every run span.
type Telemetry struct {
	FunctionID    string
	RecordInputs  bool
	RecordOutputs bool
}

const maxRecordedChars = 4000

func (e *Engine) startRunSpan(ctx context.Context, runID string, req Request) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("ai.telemetry.functionId", e.telemetry.FunctionID),
		attribute.String("ai.telemetry.metadata.model", req.Model),
		attribute.Bool("ai.telemetry.recordInputs", e.telemetry.RecordInputs),
		attribute.Bool("ai.telemetry.recordOutputs", e.telemetry.RecordOutputs),
		attribute.String("forumchat.run_id", runID),
		attribute.String("ai.model.provider", e.provider.Name()),
	}
	if e.telemetry.RecordInputs {
		if prompt := lastUserText(req.Messages); prompt != "" {
			attrs = append(attrs, attribute.String("ai.prompt", truncate(prompt, maxRecordedChars)))
		}
	}
	return e.tracer.Start(ctx, "forumchat.run", trace.WithAttributes(attrs...))
}

func (e *Engine) endRunSpan(span trace.Span, result *RunResult, err error) {
	span.SetAttributes(
		attribute.String("forumchat.terminal_reason", string(result.Reason)),
		attribute.Int("forumchat.step_count", result.StepCount),
		attribute.Int("ai.usage.inputTokens", result.Usage.InputTokens),
		attribute.Int("ai.usage.outputTokens", result.Usage.OutputTokens),
	)
	if e.telemetry.RecordOutputs && result.Text != "" {
		span.SetAttributes(attribute.String("ai.response.text", truncate(result.Text, maxRecordedChars)))
	}
	if err != nil && result.Reason == ReasonError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) startToolSpan(ctx context.Context, call ToolCall) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("ai.toolCall.name", call.Name),
		attribute.String("ai.toolCall.id", call.ID),
	}
	if e.telemetry.RecordInputs {
		attrs = append(attrs, attribute.String("ai.toolCall.args", truncate(string(call.Arguments), maxRecordedChars)))
	}
	return e.tracer.Start(ctx, "forumchat.tool", trace.WithAttributes(attrs...))
}

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return collectTextParts(messages[i].Parts)
		}
	}
	return ""
}

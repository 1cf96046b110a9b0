// Package tracing wires OpenTelemetry spans around agent turns and tool
// invocations. Tracing is off unless CLAWCAST_OTLP_ENDPOINT is set.
package tracing

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/clawcast"

// Span names.
const (
	SpanAgentTurn  = "agent.turn"
	SpanToolInvoke = "tool.invoke"
	SpanLLMCall    = "llm.call"
)

// Init installs a global tracer provider exporting OTLP/gRPC to
// CLAWCAST_OTLP_ENDPOINT. With the variable unset it returns a no-op
// shutdown and leaves the default (noop) provider in place.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("CLAWCAST_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the module tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurn opens an agent-turn span.
func StartTurn(ctx context.Context, instance, sessionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanAgentTurn, trace.WithAttributes(
		attribute.String("clawcast.instance", instance),
		attribute.String("clawcast.session_id", sessionID),
	))
}

// StartTool opens a tool-invocation span.
func StartTool(ctx context.Context, toolName, toolUseID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanToolInvoke, trace.WithAttributes(
		attribute.String("clawcast.tool", toolName),
		attribute.String("clawcast.tool_use_id", toolUseID),
	))
}

// Package telemetry configures OpenTelemetry tracing for the storage and
// resilience core, and provides the span helpers session recovery (C8)
// wraps its procedure in per spec.md §4.8's "all recovery operations are
// wrapped with a timer exposed to the performance-monitoring sink".
//
// Custom span attributes use the `quizcore.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "quizcore/storage-core"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter at endpoint (QUIZCORE_OTLP_ENDPOINT). If endpoint is empty,
// tracing is disabled (a no-op shutdown is returned).
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("quizcore-storage-core"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRecoverySpan opens the parent span for one session-recovery
// procedure (spec.md §4.8), tagging it with the ids under recovery.
func StartRecoverySpan(ctx context.Context, sessionID, participantID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sessionrecovery.recover",
		trace.WithAttributes(
			attribute.String("quizcore.session_id", sessionID),
			attribute.String("quizcore.participant_id", participantID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRecoverySpan records the procedure's outcome and closes the span.
func EndRecoverySpan(span trace.Span, outcome string, failureReason string) {
	span.SetAttributes(attribute.String("quizcore.recovery_outcome", outcome))
	if failureReason != "" {
		span.SetAttributes(attribute.String("quizcore.recovery_failure_reason", failureReason))
	}
	span.End()
}

// StartVerifyStepSpan wraps one numbered step of the recovery procedure
// (verify session, verify participant, restore active, ...) as a child
// span so slow individual steps are visible without instrumenting every
// cache/store call by hand.
func StartVerifyStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "sessionrecovery."+step,
		trace.WithAttributes(attribute.String("quizcore.recovery_step", step)),
	)
}

// StartRecoveryTickSpan wraps one C7 recovery-worker tick.
func StartRecoveryTickSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "recovery.tick", trace.WithSpanKind(trace.SpanKindInternal))
}

// EndRecoveryTickSpan records the tick's processed/failed counts.
func EndRecoveryTickSpan(span trace.Span, processed, failed int) {
	span.SetAttributes(
		attribute.Int("quizcore.recovery_processed", processed),
		attribute.Int("quizcore.recovery_failed", failed),
	)
	span.End()
}

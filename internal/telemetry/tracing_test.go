package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartRecoverySpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartRecoverySpan(ctx, "sess-1", "part-1")
	EndRecoverySpan(span, "success", "")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "sessionrecovery.recover" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "sessionrecovery.recover")
	}

	foundSession, foundOutcome := false, false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "quizcore.session_id" && a.Value.AsString() == "sess-1" {
			foundSession = true
		}
		if string(a.Key) == "quizcore.recovery_outcome" && a.Value.AsString() == "success" {
			foundOutcome = true
		}
	}
	if !foundSession {
		t.Error("missing quizcore.session_id attribute")
	}
	if !foundOutcome {
		t.Error("missing quizcore.recovery_outcome attribute")
	}
}

func TestEndRecoverySpanRecordsFailureReason(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartRecoverySpan(ctx, "sess-2", "part-2")
	EndRecoverySpan(span, "failure", "SessionNotFound")

	spans := exporter.GetSpans()
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "quizcore.recovery_failure_reason" && a.Value.AsString() == "SessionNotFound" {
			found = true
		}
	}
	if !found {
		t.Error("missing quizcore.recovery_failure_reason attribute")
	}
}

func TestRecoveryTickSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartRecoveryTickSpan(ctx)
	EndRecoveryTickSpan(span, 5, 1)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "recovery.tick" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "recovery.tick")
	}
}

package otel

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestStartSpan_KindsAndAttrs(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tracer := tp.Tracer("test")

	_, span := StartSpan(context.Background(), tracer, "executor.spawn", AttrSessionID.String("s1"))
	span.End()
	_, span = StartServerSpan(context.Background(), tracer, "rest.append_event")
	span.End()

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Name() != "executor.spawn" || ended[0].SpanKind() != trace.SpanKindInternal {
		t.Errorf("span 0 = %s kind %s, want executor.spawn internal", ended[0].Name(), ended[0].SpanKind())
	}
	foundAttr := false
	for _, kv := range ended[0].Attributes() {
		if kv.Key == AttrSessionID && kv.Value.AsString() == "s1" {
			foundAttr = true
		}
	}
	if !foundAttr {
		t.Error("session id attribute missing from span")
	}
	if ended[1].SpanKind() != trace.SpanKindServer {
		t.Errorf("span 1 kind = %s, want server", ended[1].SpanKind())
	}
}

func TestTracer_NonNil(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer returned nil")
	}
}

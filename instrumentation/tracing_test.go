package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return recorder, tp
}

func TestRecordError(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
}

func TestNilSafeHelpers(t *testing.T) {
	// None of these may panic on a nil span
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
}

func TestAddRPCAttributes(t *testing.T) {
	recorder, tp := newRecordingTracer(t)

	_, span := tp.Tracer("test").Start(context.Background(), "dispatch")
	AddRPCAttributes(span, "tools/call", true, false)
	AddGrantAttributes(span, "user-1", "", "auth-1")
	span.End()

	got := map[attribute.Key]attribute.Value{}
	for _, kv := range recorder.Ended()[0].Attributes() {
		got[kv.Key] = kv.Value
	}

	if got[AttrRPCMethod].AsString() != "tools/call" {
		t.Errorf("%s = %q", AttrRPCMethod, got[AttrRPCMethod].AsString())
	}
	if !got[AttrLegacyClient].AsBool() {
		t.Errorf("%s should be true", AttrLegacyClient)
	}
	if _, ok := got[AttrOrganizationID]; ok {
		t.Errorf("empty organization id should not be recorded")
	}
	if got[AttrAuthorizationID].AsString() != "auth-1" {
		t.Errorf("%s = %q", AttrAuthorizationID, got[AttrAuthorizationID].AsString())
	}
}

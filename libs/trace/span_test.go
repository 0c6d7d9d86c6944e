package trace

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), "withdrawal", "saga.debit", attribute.String("saga_id", "abc"))
	EndSpan(span, errors.New("insufficient balance"))
	_, ok := StartSpan(context.Background(), "withdrawal", "saga.select")
	EndSpan(ok, nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "saga.debit" || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected failed debit span, got %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Status().Code == codes.Error {
		t.Fatalf("successful span should not carry an error status")
	}
}

package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogExporterWritesFinishedSpans(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewLogExporter(zap.New(core))))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	_, span := provider.Tracer("test").Start(context.Background(), "boards.move_card",
		trace.WithAttributes(attribute.String("card.id", "c1")))
	span.SetStatus(codes.Error, "boards.move_card.forbidden")
	span.End()

	entries := recorded.FilterMessage("span").All()
	if len(entries) != 1 {
		t.Fatalf("expected one span entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["name"] != "boards.move_card" || fields["status"] != codes.Error.String() {
		t.Fatalf("unexpected span fields: %v", fields)
	}
	if fields["status_description"] != "boards.move_card.forbidden" {
		t.Fatalf("expected the status description, got %v", fields["status_description"])
	}
	attributes, ok := fields["attributes"].(map[string]any)
	if !ok || attributes["card.id"] != "c1" {
		t.Fatalf("unexpected attributes: %v", fields["attributes"])
	}
}

func TestLogExporterIgnoresSpansAfterShutdown(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	exporter := NewLogExporter(zap.New(core))
	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	_, span := provider.Tracer("test").Start(context.Background(), "boards.rebalance")
	span.End()
	if recorded.Len() != 0 {
		t.Fatalf("expected no entries after shutdown, got %d", recorded.Len())
	}
}

func TestNewProviderLogFlushesOnShutdown(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	provider, err := NewProvider("log", zap.New(core))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, span := provider.Tracer("test").Start(context.Background(), "boards.bulk_reorder")
	span.End()
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if recorded.FilterMessage("span").Len() != 1 {
		t.Fatalf("expected the batched span to be flushed, got %v", recorded.All())
	}
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	if _, err := NewProvider("jaeger", nil); err == nil {
		t.Fatal("expected an error for an unknown exporter")
	}
	provider, err := NewProvider("none", nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

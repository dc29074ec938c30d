// Package tracing builds the tracer provider behind the orchestrator spans.
package tracing

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/corkboard/internal/config"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// NewProvider returns a tracer provider for the named exporter. "none" keeps
// spans in process only; "log" batches finished spans into the logger.
func NewProvider(exporter string, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	switch exporter {
	case "", config.TraceExporterNone:
		return sdktrace.NewTracerProvider(), nil
	case config.TraceExporterLog:
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(NewLogExporter(logger))), nil
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", exporter)
	}
}

// LogExporter writes finished spans as structured log entries.
type LogExporter struct {
	logger  *zap.Logger
	stopped atomic.Bool
}

// NewLogExporter constructs a LogExporter.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogExporter{logger: logger.Named("trace")}
}

// ExportSpans logs each span with its identifiers, timing, status and attributes.
func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.stopped.Load() {
		return nil
	}
	for _, span := range spans {
		attributes := make([]zap.Field, 0, len(span.Attributes()))
		for _, attribute := range span.Attributes() {
			attributes = append(attributes, zap.String(string(attribute.Key), attribute.Value.Emit()))
		}
		fields := []zap.Field{
			zap.String("name", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.String("status", span.Status().Code.String()),
			zap.Dict("attributes", attributes...),
		}
		if description := span.Status().Description; description != "" {
			fields = append(fields, zap.String("status_description", description))
		}
		e.logger.Info("span", fields...)
	}
	return nil
}

// Shutdown stops the exporter. Later exports are ignored.
func (e *LogExporter) Shutdown(context.Context) error {
	e.stopped.Store(true)
	return nil
}

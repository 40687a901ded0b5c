// ABOUTME: Core telemetry abstraction over OpenTelemetry for query instrumentation
// ABOUTME: Provides metric recording, tracing, and lifecycle management with a no-op default

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry records metrics and spans without callers depending directly on OpenTelemetry.
type Telemetry interface {
	// RecordHistogram records a histogram value with optional attributes.
	RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// RecordCounter records a counter increment with optional attributes.
	RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue)

	// StartSpan creates a new tracing span with the given name and attributes.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Shutdown flushes pending data and releases resources.
	Shutdown(ctx context.Context) error
}

// NoopTelemetry discards everything. It is the default when telemetry is disabled.
type NoopTelemetry struct{}

// NewNoop creates a new no-operation telemetry instance.
func NewNoop() Telemetry {
	return &NoopTelemetry{}
}

// RecordHistogram is a no-op.
func (n *NoopTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
}

// RecordCounter is a no-op.
func (n *NoopTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
}

// StartSpan returns the original context and the span already in it, if any.
func (n *NoopTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Shutdown is a no-op.
func (n *NoopTelemetry) Shutdown(ctx context.Context) error {
	return nil
}

// RecordDuration records the time elapsed since start, in seconds, in a histogram.
func RecordDuration(ctx context.Context, tel Telemetry, name string, start time.Time, attrs ...attribute.KeyValue) {
	tel.RecordHistogram(ctx, name, time.Since(start).Seconds(), attrs...)
}

// RecordBytes records a byte count in a counter.
func RecordBytes(ctx context.Context, tel Telemetry, name string, bytes int64, attrs ...attribute.KeyValue) {
	tel.RecordCounter(ctx, name, bytes, attrs...)
}

// Common attribute keys
const (
	AttrOperationType = "operation.type"
	AttrComponent     = "component"
	AttrStatus        = "status"
	AttrErrorType     = "error.type"
	AttrFile          = "file"
	AttrBlock         = "block"
	AttrPolicy        = "policy"
	AttrWindowFrom    = "window.from"
	AttrWindowTo      = "window.to"
)

// Common attribute values
const (
	OpTypeQuery   = "query"
	OpTypeCatalog = "catalog"
	OpTypeSummary = "summary"

	StatusSuccess  = "success"
	StatusError    = "error"
	StatusCanceled = "canceled"

	ComponentSSTable = "sstable"
	ComponentQuery   = "query"
	ComponentCatalog = "catalog"
	ComponentPackets = "packets"
)

// Metric names
const (
	MetricQueryDuration  = "stenoscope.query.duration"
	MetricBlocksRead     = "stenoscope.query.blocks_read"
	MetricBytesRead      = "stenoscope.query.bytes_read"
	MetricBlocksSkipped  = "stenoscope.query.blocks_skipped"
	MetricEntriesMatched = "stenoscope.query.entries_matched"
	MetricFilesQueried   = "stenoscope.catalog.files_queried"
	MetricPacketsCounted = "stenoscope.packets.counted"
)

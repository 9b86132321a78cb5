package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName identifies the transfer-span tracer in exported spans. It
// names the reactor package, the only caller of StartTransferSpan.
const tracerName = "github.com/cormorant-labs/chunkxfer/internal/reactor"

// InitTracing initializes OpenTelemetry tracing with Jaeger exporter.
// Config via env:
//   OTEL_SERVICE_NAME, OTEL_EXPORTER_JAEGER_ENDPOINT (e.g. http://localhost:14268/api/traces)
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		// no-op
		return func(ctx context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(512), trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartTransferSpan opens a span covering one upload session, from the
// accepted NEW frame through its terminal Ok/Err reply. The reactor holds
// the returned span across every CHUNK_DATA/sink event for that peer and
// closes it with EndTransferSpan once the File reaches a terminal state.
func StartTransferSpan(ctx context.Context, peerID, path string, size uint64, totalChunks int) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "chunkxfer.transfer",
		oteltrace.WithAttributes(
			attribute.String("chunkxfer.peer_id", peerID),
			attribute.String("chunkxfer.path", path),
			attribute.Int64("chunkxfer.size_bytes", int64(size)),
			attribute.Int("chunkxfer.total_chunks", totalChunks),
		),
	)
}

// EndTransferSpan records the transfer's terminal outcome and closes span.
// err is recorded on the span when the transfer failed; it is nil on the
// success path.
func EndTransferSpan(span oteltrace.Span, success bool, err error) {
	span.SetAttributes(attribute.Bool("chunkxfer.success", success))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

package store

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bookfinder/store"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func addDBStatsToSpan(span trace.Span, statement string, rowsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("db.rows", rowsCount),
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

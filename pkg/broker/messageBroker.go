package broker

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/bookfinder/pkg/metrics"
)

// MessageBroker defines the operations to publish messages to a push channel.
type MessageBroker interface {
	// Publish sends payload to topic with optional headers.
	Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error
	// Close cleans up any resources (connections).
	Close() error
}

func startPublishSpan(ctx context.Context, system, topic string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		semconv.MessagingSystemKey.String(system),
		semconv.MessagingDestinationKindKey.String("topic"),
		semconv.MessagingDestinationKey.String(topic),
	)
	return otel.Tracer("bookfinder/broker").Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
	)
}

// finishPublish records the outcome of a publish on span and in metrics.
func finishPublish(span trace.Span, system string, payloadSize int, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.BrokerPublishTotal.WithLabelValues(system, "error").Inc()
		return err
	}
	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", payloadSize))
	metrics.BrokerPublishTotal.WithLabelValues(system, "ok").Inc()
	return nil
}

// withTraceHeaders returns a copy of headers carrying the trace context of ctx.
// Caller headers win over injected ones.
func withTraceHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	maps.Copy(out, headers)
	return out
}

package middleware

import (
	"context"
	"fmt"

	"github.com/qvcloud/amq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OtelNotifier wraps a Notifier so that every callback runs inside an
// OpenTelemetry span. A panic in n marks the span as failed and is re-raised;
// span.End adds the exception event.
func OtelNotifier(n amq.Notifier, opts ...Option) amq.Notifier {
	options := options{
		tracer: otel.Tracer("github.com/qvcloud/amq"),
	}
	for _, o := range opts {
		o(&options)
	}

	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "amq"),
		attribute.String("messaging.operation", "process"),
	}
	if options.destination != "" {
		attrs = append(attrs, attribute.String("messaging.destination", options.destination))
	}

	return amq.NotifyFunc(func(text string) {
		_, span := options.tracer.Start(context.Background(), "amq.notify",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attrs...),
			trace.WithAttributes(attribute.Int("messaging.message.body.size", len(text))),
		)
		defer span.End()
		defer func() {
			if r := recover(); r != nil {
				span.SetStatus(codes.Error, fmt.Sprintf("notifier panic: %v", r))
				panic(r)
			}
		}()

		n.Notify(text)
	})
}

type options struct {
	tracer      trace.Tracer
	destination string
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithDestination tags spans with the destination the notifier serves.
func WithDestination(name string) Option {
	return func(o *options) {
		o.destination = name
	}
}

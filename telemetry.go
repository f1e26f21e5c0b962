package amq

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

type telemetry struct {
	tracer   trace.Tracer
	sent     metric.Int64Counter
	received metric.Int64Counter
	failures metric.Int64Counter
}

func newTelemetry(o *Options) *telemetry {
	t := &telemetry{tracer: o.Tracer}
	t.sent = counter(o.Meter, "amq.messages.sent", "Messages dispatched by producers.")
	t.received = counter(o.Meter, "amq.messages.received", "Messages delivered to consumers.")
	t.failures = counter(o.Meter, "amq.errors", "Failures recorded to the error sink.")
	return t
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (t *telemetry) failed(e *Error) {
	t.failures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("role", e.Role.String()),
		attribute.String("kind", e.Kind.String()),
	))
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

package amq

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type producerChannel struct {
	sink *errorSink
	tel  *telemetry
	res  *resources

	mu         sync.RWMutex
	producer   MessageProducer
	dest       string
	transacted bool
}

func (p *producerChannel) open(sess Session, dst Destination, cfg Config) (io.Closer, error) {
	h, err := sess.CreateProducer(dst)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}
	h.SetDeliveryMode(cfg.DeliveryMode)

	p.mu.Lock()
	p.producer = h
	p.dest = dst.Name()
	p.transacted = cfg.Transacted
	p.mu.Unlock()
	return h, nil
}

func (p *producerChannel) send(ctx context.Context, text string, priority int32) error {
	p.mu.RLock()
	h, dest, transacted := p.producer, p.dest, p.transacted
	p.mu.RUnlock()
	if h == nil {
		return ErrNotActive
	}

	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "amq"),
		attribute.String("messaging.destination", dest),
		attribute.String("messaging.operation", "publish"),
	}
	ctx, span := p.tel.tracer.Start(ctx, "amq.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attrs...),
		trace.WithAttributes(attribute.Int("amq.priority", int(priority))),
	)
	defer span.End()

	msg := NewTextMessage(text)
	msg.SetIntProperty(PriorityProperty, priority)

	if err := h.Send(ctx, msg); err != nil {
		e := p.sink.record(newError(KindTransport, Producer, "send", err))
		spanError(span, e)
		return e
	}

	if transacted {
		if s := p.res.currentSession(); s != nil {
			if err := s.Commit(); err != nil {
				e := p.sink.record(newError(KindTransport, Producer, "commit", err))
				spanError(span, e)
				return e
			}
		}
	}

	p.tel.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("messaging.destination", dest)))
	return nil
}

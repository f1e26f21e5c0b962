package amq

import (
	"context"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type consumerChannel struct {
	sink *errorSink
	tel  *telemetry
	res  *resources

	mu         sync.RWMutex
	notifier   Notifier
	transacted bool
}

func (c *consumerChannel) setNotifier(n Notifier) {
	c.mu.Lock()
	c.notifier = n
	c.mu.Unlock()
}

func (c *consumerChannel) open(sess Session, dst Destination, cfg Config) (io.Closer, error) {
	h, err := sess.CreateConsumer(dst)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, nil
	}

	c.mu.Lock()
	c.transacted = cfg.Transacted
	c.mu.Unlock()

	h.SetListener(c.onMessage)
	return h, nil
}

// onMessage runs on the transport's delivery goroutine. A transacted
// session is committed after every message, decodable or not.
func (c *consumerChannel) onMessage(d Delivery) {
	ctx, span := c.tel.tracer.Start(context.Background(), "amq.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "amq"),
			attribute.String("messaging.destination", d.Destination()),
			attribute.String("messaging.operation", "process"),
		),
	)
	defer span.End()

	c.tel.received.Add(ctx, 1, metric.WithAttributes(attribute.String("messaging.destination", d.Destination())))

	c.mu.RLock()
	n, transacted := c.notifier, c.transacted
	c.mu.RUnlock()

	if td, ok := d.(TextDelivery); !ok {
		spanError(span, c.sink.record(newError(KindPayload, Consumer, "receive", ErrNullMessage)))
	} else if n != nil {
		text, err := td.Text()
		if err != nil {
			spanError(span, c.sink.record(newError(KindPayload, Consumer, "decode", err)))
		} else {
			n.Notify(text)
		}
	}

	if !transacted {
		return
	}
	if s := c.res.currentSession(); s != nil {
		if err := s.Commit(); err != nil {
			spanError(span, c.sink.record(newError(KindTransport, Consumer, "commit", err)))
		}
	}
}

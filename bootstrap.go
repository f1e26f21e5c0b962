package amq

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// roleChannel is the role-specific half of an Instance. It creates the
// producer or consumer once the session and destination exist.
type roleChannel interface {
	open(sess Session, dst Destination, cfg Config) (io.Closer, error)
}

// activate connects, starts the connection, opens a session, resolves the
// destination and opens the role's channel. Every failure is recorded to
// the sink and returned as *Error. A concurrent Close yields ErrClosed.
func (in *Instance) activate(ctx context.Context, cfg Config) (err error) {
	ctx, span := in.tel.tracer.Start(ctx, "amq.activate",
		trace.WithAttributes(
			attribute.String("amq.role", in.role.String()),
			attribute.String("amq.pipeline", cfg.Pipeline.String()),
			attribute.String("messaging.destination", cfg.Destination),
		),
	)
	defer func() {
		if err != nil {
			spanError(span, err)
		}
		span.End()
	}()

	fail := func(kind Kind, op string, cause error) error {
		return in.sink.record(newError(kind, in.role, op, cause))
	}

	if cfg.BrokerURI == "" {
		return fail(KindConfig, "activate", ErrBrokerURIMissing)
	}
	t := in.opts.Transport
	if t == nil {
		return fail(KindConfig, "activate", ErrTransportMissing)
	}

	conn, e := t.Dial(ctx, cfg.BrokerURI, cfg.Username, cfg.Password)
	if e != nil {
		return fail(KindTransport, "dial", e)
	}
	if !in.res.adoptConn(conn) {
		return ErrClosed
	}
	if e := conn.Start(); e != nil {
		return fail(KindTransport, "start", e)
	}

	sink, role := in.sink, in.role
	conn.SetExceptionListener(func(err error) {
		sink.record(newError(KindTransport, role, "connection", err))
	})

	sess, e := conn.CreateSession(cfg.AckMode())
	if e != nil {
		return fail(KindTransport, "session", e)
	}
	if !in.res.adoptSession(sess) {
		return ErrClosed
	}

	var dst Destination
	switch cfg.Pipeline {
	case Topic:
		if cfg.Destination == "" {
			return fail(KindConfig, "destination", ErrTopicNameMissing)
		}
		dst, e = sess.CreateTopic(cfg.Destination)
	default:
		if cfg.Destination == "" {
			return fail(KindConfig, "destination", ErrQueueNameMissing)
		}
		dst, e = sess.CreateQueue(cfg.Destination)
	}
	if e != nil {
		return fail(KindTransport, "destination", e)
	}
	if !in.res.adoptDestination(dst) {
		return ErrClosed
	}

	h, e := in.ch.open(sess, dst, cfg)
	if e != nil {
		return fail(KindTransport, "channel", e)
	}
	if h == nil {
		return in.sink.record(&Error{
			Kind:    KindTransport,
			Role:    in.role,
			Op:      "channel",
			Message: "could not create amq " + in.role.String(),
			Trace:   "channel",
			Err:     ErrNoChannel,
		})
	}
	if !in.res.adoptChannel(h) {
		return ErrClosed
	}

	in.opts.Logger.Logf("amq: %s activated on %s %q via %s", in.role, cfg.Pipeline, cfg.Destination, t)
	return nil
}

package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qvcloud/amq"
)

type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Flush() error
	Close()
}

type options struct {
	name          string
	maxReconnect  *int
	reconnectWait time.Duration
	extra         []nats.Option
}

type Option func(*options)

// WithName sets the client name reported to the server.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func WithMaxReconnect(max int) Option {
	return func(o *options) {
		o.maxReconnect = &max
	}
}

func WithReconnectWait(wait time.Duration) Option {
	return func(o *options) {
		o.reconnectWait = wait
	}
}

// WithNatsOptions passes options straight to nats.Connect.
func WithNatsOptions(opts ...nats.Option) Option {
	return func(o *options) {
		o.extra = append(o.extra, opts...)
	}
}

// Transport connects to NATS core. Queues map to queue groups named after
// the destination; topics map to plain subscriptions.
type Transport struct {
	opts options

	newConn func(addr string, opts ...nats.Option) (natsConn, error)
}

func NewTransport(opts ...Option) *Transport {
	o := options{name: "amq"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{
		opts: o,
		newConn: func(addr string, opts ...nats.Option) (natsConn, error) {
			nc, err := nats.Connect(addr, opts...)
			if err != nil {
				return nil, err
			}
			return nc, nil
		},
	}
}

func (t *Transport) String() string {
	return "nats"
}

func (t *Transport) Dial(ctx context.Context, uri, username, password string) (amq.Connection, error) {
	if uri == "" {
		return nil, fmt.Errorf("nats: server address is required")
	}

	c := &connection{started: make(chan struct{}), closing: make(chan struct{})}

	opts := []nats.Option{
		nats.Name(t.opts.name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.fail(err)
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.fail(err)
		}),
	}
	if username != "" {
		opts = append(opts, nats.UserInfo(username, password))
	}
	if t.opts.maxReconnect != nil {
		opts = append(opts, nats.MaxReconnects(*t.opts.maxReconnect))
	}
	if t.opts.reconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(t.opts.reconnectWait))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	opts = append(opts, t.opts.extra...)

	conn, err := t.newConn(uri, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect to %s: %w", uri, err)
	}
	c.conn = conn
	return c, nil
}

type connection struct {
	conn natsConn

	mu        sync.Mutex
	listener  func(error)
	startOnce sync.Once
	started   chan struct{}
	closeOnce sync.Once
	closing   chan struct{}
}

func (c *connection) fail(err error) {
	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *connection) Start() error {
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

func (c *connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// CreateSession never fails. NATS core has no transactions; Commit on a
// transacted session flushes pending publishes to the server.
func (c *connection) CreateSession(mode amq.AckMode) (amq.Session, error) {
	return &session{conn: c, mode: mode}, nil
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.conn.Close()
	})
	return nil
}

type destination struct {
	subject string
	kind    amq.PipelineKind
}

func (d *destination) Name() string           { return d.subject }
func (d *destination) Kind() amq.PipelineKind { return d.kind }

type session struct {
	conn *connection
	mode amq.AckMode
}

func (s *session) CreateQueue(name string) (amq.Destination, error) {
	return &destination{subject: name, kind: amq.Queue}, nil
}

func (s *session) CreateTopic(name string) (amq.Destination, error) {
	return &destination{subject: name, kind: amq.Topic}, nil
}

func (s *session) CreateProducer(dst amq.Destination) (amq.MessageProducer, error) {
	return &producer{sess: s, subject: dst.Name()}, nil
}

func (s *session) CreateConsumer(dst amq.Destination) (amq.MessageConsumer, error) {
	c := &consumer{sess: s, ready: make(chan struct{})}

	var (
		sub *nats.Subscription
		err error
	)
	if dst.Kind() == amq.Queue {
		sub, err = s.conn.conn.QueueSubscribe(dst.Name(), dst.Name(), c.handle)
	} else {
		sub, err = s.conn.conn.Subscribe(dst.Name(), c.handle)
	}
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %q: %w", dst.Name(), err)
	}
	c.sub = sub
	return c, nil
}

func (s *session) Commit() error {
	if s.mode != amq.SessionTransacted {
		return errors.New("nats: session is not transacted")
	}
	return s.conn.conn.Flush()
}

func (s *session) Close() error {
	return nil
}

type producer struct {
	sess    *session
	subject string
}

// SetDeliveryMode is accepted for interface compatibility; NATS core does
// not persist messages.
func (p *producer) SetDeliveryMode(amq.DeliveryMode) {}

func (p *producer) Send(ctx context.Context, msg *amq.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nm := nats.NewMsg(p.subject)
	nm.Data = []byte(msg.Text)
	nm.Header.Set("Content-Type", amq.TextContentType)
	for k, v := range msg.StringProperties() {
		nm.Header.Set(k, v)
	}
	return p.sess.conn.conn.PublishMsg(nm)
}

func (p *producer) Close() error {
	return nil
}

type consumer struct {
	sess *session
	sub  *nats.Subscription

	mu        sync.Mutex
	listener  amq.Listener
	readyOnce sync.Once
	ready     chan struct{}
}

func (c *consumer) SetListener(l amq.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// handle runs on the subscription's delivery goroutine, which NATS calls
// sequentially per subscription.
func (c *consumer) handle(nm *nats.Msg) {
	for _, gate := range []<-chan struct{}{c.sess.conn.started, c.ready} {
		select {
		case <-gate:
		case <-c.sess.conn.closing:
			return
		}
	}

	header := make(map[string]string, len(nm.Header))
	for k, v := range nm.Header {
		if len(v) > 0 {
			header[k] = v[0]
		}
	}

	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	l(amq.NewDelivery(nm.Subject, nm.Header.Get("Content-Type"), nm.Data, header))
}

func (c *consumer) Close() error {
	if c.sub == nil {
		return nil
	}
	err := c.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

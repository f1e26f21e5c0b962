package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/amq"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errNotTransacted = errors.New("rabbitmq: session is not transacted")

type rabbitConn interface {
	Channel() (rabbitChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

type rabbitChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Tx() error
	TxCommit() error
	Cancel(consumer string, noWait bool) error
	Close() error
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (rabbitChannel, error) {
	ch, err := w.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type options struct {
	topicExchange  string
	connectionName string
	heartbeat      time.Duration
	tlsConfig      *tls.Config
	prefetchCount  int
	nativePriority bool
	logger         amq.Logger
}

type Option func(*options)

// WithTopicExchange sets the topic exchange used for amq.Topic destinations.
// Exchanges outside the reserved amq.* namespace are declared durable.
func WithTopicExchange(name string) Option {
	return func(o *options) {
		o.topicExchange = name
	}
}

func WithConnectionName(name string) Option {
	return func(o *options) {
		o.connectionName = name
	}
}

func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		o.heartbeat = d
	}
}

func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = c
	}
}

// WithPrefetchCount limits unacknowledged deliveries per consumer.
func WithPrefetchCount(n int) Option {
	return func(o *options) {
		o.prefetchCount = n
	}
}

// WithNativePriority also copies the priority property into the AMQP
// message priority field, clamped to 0..9.
func WithNativePriority() Option {
	return func(o *options) {
		o.nativePriority = true
	}
}

func WithLogger(l amq.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Transport dials AMQP 0.9.1 brokers.
type Transport struct {
	opts options

	// Internal factories for testing
	newConn func(ctx context.Context, addr string, config amqp.Config) (rabbitConn, error)
}

func NewTransport(opts ...Option) *Transport {
	o := options{
		topicExchange: "amq.topic",
		heartbeat:     10 * time.Second,
		prefetchCount: 1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{
		opts: o,
		newConn: func(ctx context.Context, addr string, config amqp.Config) (rabbitConn, error) {
			config.Dial = func(network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			}
			conn, err := amqp.DialConfig(addr, config)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}
}

func (t *Transport) String() string {
	return "rabbitmq"
}

func (t *Transport) Dial(ctx context.Context, uri, username, password string) (amq.Connection, error) {
	if uri == "" {
		return nil, fmt.Errorf("rabbitmq: server address is required")
	}

	config := amqp.Config{
		Heartbeat:       t.opts.heartbeat,
		TLSClientConfig: t.opts.tlsConfig,
		Locale:          "en_US",
	}
	if username != "" {
		config.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: username, Password: password}}
	}
	if t.opts.connectionName != "" {
		config.Properties = amqp.Table{"connection_name": t.opts.connectionName}
	}

	conn, err := t.newConn(ctx, uri, config)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}

	c := &connection{
		conn:    conn,
		opts:    &t.opts,
		started: make(chan struct{}),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

type connection struct {
	conn rabbitConn
	opts *options

	mu        sync.Mutex
	listener  func(error)
	closed    bool
	startOnce sync.Once
	started   chan struct{}
}

// watch forwards broker-initiated closes to the exception listener. The
// channel is closed without a value on a graceful Close.
func (c *connection) watch(notify chan *amqp.Error) {
	for e := range notify {
		if e == nil {
			continue
		}
		c.mu.Lock()
		fn := c.listener
		c.mu.Unlock()
		if fn != nil {
			fn(e)
		}
	}
}

func (c *connection) Start() error {
	if c.conn.IsClosed() {
		return amqp.ErrClosed
	}
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

func (c *connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *connection) CreateSession(mode amq.AckMode) (amq.Session, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if mode == amq.SessionTransacted {
		if err := ch.Tx(); err != nil {
			ch.Close()
			return nil, fmt.Errorf("rabbitmq: enable transactions: %w", err)
		}
	}
	return &session{conn: c, ch: ch, mode: mode}, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

type destination struct {
	name       string
	kind       amq.PipelineKind
	exchange   string
	routingKey string
}

func (d *destination) Name() string           { return d.name }
func (d *destination) Kind() amq.PipelineKind { return d.kind }

// session is one AMQP channel. A transacted session puts the channel in
// transaction mode; publishes and acks settle on Commit.
type session struct {
	conn *connection
	ch   rabbitChannel
	mode amq.AckMode

	mu     sync.Mutex
	closed bool
}

func (s *session) CreateQueue(name string) (amq.Destination, error) {
	q, err := s.ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: declare queue %q: %w", name, err)
	}
	if q.Name == "" {
		q.Name = name
	}
	return &destination{name: q.Name, kind: amq.Queue, routingKey: q.Name}, nil
}

func (s *session) CreateTopic(name string) (amq.Destination, error) {
	exchange := s.conn.opts.topicExchange
	if !strings.HasPrefix(exchange, "amq.") {
		if err := s.ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("rabbitmq: declare exchange %q: %w", exchange, err)
		}
	}
	return &destination{name: name, kind: amq.Topic, exchange: exchange, routingKey: name}, nil
}

func (s *session) CreateProducer(dst amq.Destination) (amq.MessageProducer, error) {
	d, ok := dst.(*destination)
	if !ok {
		return nil, fmt.Errorf("rabbitmq: foreign destination %T", dst)
	}
	return &producer{sess: s, dst: d, mode: amqp.Persistent}, nil
}

func (s *session) CreateConsumer(dst amq.Destination) (amq.MessageConsumer, error) {
	d, ok := dst.(*destination)
	if !ok {
		return nil, fmt.Errorf("rabbitmq: foreign destination %T", dst)
	}

	queue := d.routingKey
	if d.kind == amq.Topic {
		q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: declare subscription queue: %w", err)
		}
		if err := s.ch.QueueBind(q.Name, d.routingKey, d.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("rabbitmq: bind %q to %q: %w", q.Name, d.exchange, err)
		}
		queue = q.Name
	}

	transacted := s.mode == amq.SessionTransacted
	if transacted && s.conn.opts.prefetchCount > 0 {
		if err := s.ch.Qos(s.conn.opts.prefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("rabbitmq: qos: %w", err)
		}
	}

	tag := "amq-" + uuid.NewString()
	deliveries, err := s.ch.Consume(
		queue,       // queue
		tag,         // consumer
		!transacted, // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: consume %q: %w", queue, err)
	}

	c := &consumer{
		sess:       s,
		dst:        d,
		tag:        tag,
		transacted: transacted,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.run(deliveries)
	return c, nil
}

func (s *session) Commit() error {
	if s.mode != amq.SessionTransacted {
		return errNotTransacted
	}
	return s.ch.TxCommit()
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

type producer struct {
	sess *session
	dst  *destination

	mu   sync.RWMutex
	mode uint8
}

func (p *producer) SetDeliveryMode(m amq.DeliveryMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m == amq.NonPersistent {
		p.mode = amqp.Transient
		return
	}
	p.mode = amqp.Persistent
}

func (p *producer) Send(ctx context.Context, msg *amq.Message) error {
	p.mu.RLock()
	mode := p.mode
	p.mu.RUnlock()

	headers := amqp.Table{}
	for k, v := range msg.Properties {
		headers[k] = v
	}

	var priority uint8
	if v, ok := msg.IntProperty(amq.PriorityProperty); ok && p.sess.conn.opts.nativePriority {
		priority = uint8(min(max(v, 0), 9))
	}

	return p.sess.ch.PublishWithContext(ctx,
		p.dst.exchange,   // exchange
		p.dst.routingKey, // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			Headers:      headers,
			ContentType:  amq.TextContentType,
			DeliveryMode: mode,
			Priority:     priority,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         []byte(msg.Text),
		})
}

func (p *producer) Close() error {
	return nil
}

type consumer struct {
	sess       *session
	dst        *destination
	tag        string
	transacted bool

	mu        sync.Mutex
	listener  amq.Listener
	readyOnce sync.Once
	ready     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func (c *consumer) SetListener(l amq.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// run dispatches deliveries one at a time after the connection is started.
// In a transacted session the ack is issued before dispatch and takes
// effect on the next TxCommit.
func (c *consumer) run(deliveries <-chan amqp.Delivery) {
	for _, gate := range []<-chan struct{}{c.sess.conn.started, c.ready} {
		select {
		case <-gate:
		case <-c.done:
			return
		}
	}

	for {
		var d amqp.Delivery
		select {
		case <-c.done:
			return
		case next, ok := <-deliveries:
			if !ok {
				return
			}
			d = next
		}

		if c.transacted {
			if err := d.Ack(false); err != nil && c.sess.conn.opts.logger != nil {
				c.sess.conn.opts.logger.Logf("rabbitmq: ack %d: %v", d.DeliveryTag, err)
			}
		}

		header := make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			header[k] = fmt.Sprint(v)
		}

		c.mu.Lock()
		l := c.listener
		c.mu.Unlock()
		l(amq.NewDelivery(c.dst.name, d.ContentType, d.Body, header))
	}
}

func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if e := c.sess.ch.Cancel(c.tag, false); e != nil && !errors.Is(e, amqp.ErrClosed) {
			err = e
		}
	})
	return err
}

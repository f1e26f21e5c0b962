package rocketmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/google/uuid"
	"github.com/qvcloud/amq"
)

type rmqProducer interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
	SendOneWay(ctx context.Context, msgs ...*primitive.Message) error
}

type rmqConsumer interface {
	Start() error
	Shutdown() error
	Subscribe(topic string, selector consumer.MessageSelector,
		f func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error)) error
}

type options struct {
	retry         int
	producerGroup string
	namespace     string
}

type Option func(*options)

// WithRetry sets how many times a synchronous send is retried.
func WithRetry(n int) Option {
	return func(o *options) {
		o.retry = n
	}
}

func WithProducerGroup(group string) Option {
	return func(o *options) {
		o.producerGroup = group
	}
}

func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// Transport connects to RocketMQ name servers. A queue destination is
// consumed in clustering mode by a group named after it, a topic destination
// in broadcasting mode by a group unique to the consumer.
type Transport struct {
	opts options

	newProducer     func(opts ...producer.Option) (rmqProducer, error)
	newPushConsumer func(opts ...consumer.Option) (rmqConsumer, error)
}

func NewTransport(opts ...Option) *Transport {
	o := options{retry: 2, producerGroup: "amq-producer"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{
		opts: o,
		newProducer: func(opts ...producer.Option) (rmqProducer, error) {
			return rocketmq.NewProducer(opts...)
		},
		newPushConsumer: func(opts ...consumer.Option) (rmqConsumer, error) {
			return rocketmq.NewPushConsumer(opts...)
		},
	}
}

func (t *Transport) String() string {
	return "rocketmq"
}

// ParseNameServers splits "rocketmq://ns1:9876;ns2:9876" into name server
// addresses. Commas are accepted as separators too.
func ParseNameServers(uri string) primitive.NamesrvAddr {
	if i := strings.Index(uri, "://"); i >= 0 {
		uri = uri[i+3:]
	}
	uri = strings.TrimSuffix(uri, "/")

	var addrs primitive.NamesrvAddr
	for _, a := range strings.FieldsFunc(uri, func(r rune) bool { return r == ';' || r == ',' }) {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// Dial only validates the address list. Clients reach the name servers when
// a producer or consumer starts.
func (t *Transport) Dial(ctx context.Context, uri, username, password string) (amq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addrs := ParseNameServers(uri)
	if len(addrs) == 0 {
		return nil, errors.New("rocketmq: name server address is required")
	}
	return &connection{
		transport: t,
		addrs:     addrs,
		creds:     primitive.Credentials{AccessKey: username, SecretKey: password},
		started:   make(chan struct{}),
	}, nil
}

type connection struct {
	transport *Transport
	addrs     primitive.NamesrvAddr
	creds     primitive.Credentials

	mu        sync.Mutex
	closed    bool
	sessions  []*session
	startOnce sync.Once
	started   chan struct{}
}

func (c *connection) Start() error {
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

// SetExceptionListener is accepted but never called: the RocketMQ client
// retries broker failures internally and reports them only through send
// results.
func (c *connection) SetExceptionListener(func(error)) {}

func (c *connection) isStarted() bool {
	select {
	case <-c.started:
		return true
	default:
		return false
	}
}

func (c *connection) CreateSession(mode amq.AckMode) (amq.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("rocketmq: connection closed")
	}
	s := &session{conn: c, mode: mode}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

type session struct {
	conn *connection
	mode amq.AckMode

	mu       sync.Mutex
	closed   bool
	channels []io.Closer
}

func (s *session) CreateQueue(name string) (amq.Destination, error) {
	return amq.NewDestination(name, amq.Queue), nil
}

func (s *session) CreateTopic(name string) (amq.Destination, error) {
	return amq.NewDestination(name, amq.Topic), nil
}

func (s *session) adopt(c io.Closer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("rocketmq: session closed")
	}
	s.channels = append(s.channels, c)
	return nil
}

func (s *session) CreateProducer(dst amq.Destination) (amq.MessageProducer, error) {
	t := s.conn.transport
	opts := []producer.Option{
		producer.WithNameServer(s.conn.addrs),
		producer.WithRetry(t.opts.retry),
		producer.WithGroupName(t.opts.producerGroup),
	}
	if s.conn.creds.AccessKey != "" {
		opts = append(opts, producer.WithCredentials(s.conn.creds))
	}
	if t.opts.namespace != "" {
		opts = append(opts, producer.WithNamespace(t.opts.namespace))
	}

	rp, err := t.newProducer(opts...)
	if err != nil {
		return nil, fmt.Errorf("rocketmq: new producer: %w", err)
	}
	if err := rp.Start(); err != nil {
		return nil, fmt.Errorf("rocketmq: start producer: %w", err)
	}

	p := &sender{producer: rp, topic: dst.Name()}
	if err := s.adopt(p); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (s *session) CreateConsumer(dst amq.Destination) (amq.MessageConsumer, error) {
	t := s.conn.transport
	group, model := dst.Name(), consumer.Clustering
	if dst.Kind() == amq.Topic {
		group, model = "amq-"+uuid.NewString(), consumer.BroadCasting
	}

	opts := []consumer.Option{
		consumer.WithNameServer(s.conn.addrs),
		consumer.WithGroupName(group),
		consumer.WithConsumerModel(model),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
		consumer.WithConsumeMessageBatchMaxSize(1),
	}
	if s.conn.creds.AccessKey != "" {
		opts = append(opts, consumer.WithCredentials(s.conn.creds))
	}
	if t.opts.namespace != "" {
		opts = append(opts, consumer.WithNamespace(t.opts.namespace))
	}

	rc, err := t.newPushConsumer(opts...)
	if err != nil {
		return nil, fmt.Errorf("rocketmq: new consumer: %w", err)
	}

	c := &receiver{sess: s, consumer: rc, topic: dst.Name()}
	if err := rc.Subscribe(dst.Name(), consumer.MessageSelector{}, c.handle); err != nil {
		return nil, fmt.Errorf("rocketmq: subscribe %q: %w", dst.Name(), err)
	}
	if err := rc.Start(); err != nil {
		return nil, fmt.Errorf("rocketmq: start consumer: %w", err)
	}
	if err := s.adopt(c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Commit has nothing to flush: each message is acknowledged when its
// callback returns.
func (s *session) Commit() error {
	if s.mode != amq.SessionTransacted {
		return errors.New("rocketmq: session is not transacted")
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range channels {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

type sender struct {
	producer rmqProducer
	topic    string

	mu        sync.Mutex
	oneWay    bool
	closeOnce sync.Once
}

// SetDeliveryMode switches non-persistent producers to one-way sends, which
// do not wait for the broker to store the message.
func (p *sender) SetDeliveryMode(m amq.DeliveryMode) {
	p.mu.Lock()
	p.oneWay = m == amq.NonPersistent
	p.mu.Unlock()
}

func (p *sender) Send(ctx context.Context, msg *amq.Message) error {
	rm := primitive.NewMessage(p.topic, []byte(msg.Text))
	rm.WithProperty("Content-Type", amq.TextContentType)
	for k, v := range msg.StringProperties() {
		rm.WithProperty(k, v)
	}

	p.mu.Lock()
	oneWay := p.oneWay
	p.mu.Unlock()
	if oneWay {
		return p.producer.SendOneWay(ctx, rm)
	}

	res, err := p.producer.SendSync(ctx, rm)
	if err != nil {
		return err
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send %s not stored: status %d", res.MsgID, res.Status)
	}
	return nil
}

func (p *sender) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.producer.Shutdown() })
	return err
}

type receiver struct {
	sess     *session
	consumer rmqConsumer
	topic    string

	mu        sync.Mutex
	listener  amq.Listener
	closed    bool
	closeOnce sync.Once
}

func (c *receiver) SetListener(l amq.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// handle dispatches under the consumer lock so the listener sees one
// message at a time. Messages that arrive before the connection starts or
// a listener is set are handed back for redelivery.
func (c *receiver) handle(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.listener == nil || !c.sess.conn.isStarted() {
		return consumer.ConsumeRetryLater, nil
	}
	for _, m := range msgs {
		props := m.GetProperties()
		c.listener(amq.NewDelivery(m.Topic, props["Content-Type"], m.Body, props))
	}
	return consumer.ConsumeSuccess, nil
}

func (c *receiver) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.consumer.Shutdown()
	})
	return err
}

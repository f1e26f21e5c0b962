package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/qvcloud/amq"
)

type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type options struct {
	clientPrefix string
	keepAlive    time.Duration
	timeout      time.Duration
	tlsConfig    *tls.Config
	codec        amq.Codec
}

type Option func(*options)

// WithClientPrefix sets the prefix of the generated client id.
func WithClientPrefix(p string) Option {
	return func(o *options) {
		o.clientPrefix = p
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *options) {
		o.keepAlive = d
	}
}

// WithTimeout bounds subscribe and unsubscribe round trips.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = c
	}
}

// WithCodec replaces the JSON envelope used to carry message properties.
func WithCodec(c amq.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// Transport connects to an MQTT 3.1.1 broker. A topic destination is a
// plain subscription; a queue destination is a shared subscription
// "$share/<name>/<name>" so that each message reaches one member of the
// group. MQTT has no message properties, so payloads are framed by a Codec.
type Transport struct {
	opts options

	newClient func(o *mqtt.ClientOptions) mqttClient
}

func NewTransport(opts ...Option) *Transport {
	o := options{
		clientPrefix: "amq-",
		keepAlive:    30 * time.Second,
		timeout:      10 * time.Second,
		codec:        amq.JSONCodec{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{
		opts: o,
		newClient: func(o *mqtt.ClientOptions) mqttClient {
			return mqtt.NewClient(o)
		},
	}
}

func (t *Transport) String() string {
	return "mqtt"
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Dial(ctx context.Context, uri, username, password string) (amq.Connection, error) {
	if uri == "" {
		return nil, errors.New("mqtt: broker address is required")
	}

	c := &connection{
		transport: t,
		started:   make(chan struct{}),
		closing:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(uri).
		SetClientID(t.opts.clientPrefix + uuid.NewString()).
		SetUsername(username).
		SetPassword(password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetKeepAlive(t.opts.keepAlive).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.fail(err)
		})
	if t.opts.tlsConfig != nil {
		opts.SetTLSConfig(t.opts.tlsConfig)
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}

	c.client = t.newClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", uri, err)
	}
	return c, nil
}

type connection struct {
	transport *Transport
	client    mqttClient

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

func (c *connection) isClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
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

func (c *connection) CreateSession(mode amq.AckMode) (amq.Session, error) {
	if c.isClosed() {
		return nil, errors.New("mqtt: connection closed")
	}
	return &session{conn: c, mode: mode}, nil
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.client.Disconnect(250)
	})
	return nil
}

type session struct {
	conn *connection
	mode amq.AckMode

	mu      sync.Mutex
	pending []mqtt.Message
}

func (s *session) CreateQueue(name string) (amq.Destination, error) {
	return amq.NewDestination(name, amq.Queue), nil
}

func (s *session) CreateTopic(name string) (amq.Destination, error) {
	return amq.NewDestination(name, amq.Topic), nil
}

func (s *session) CreateProducer(dst amq.Destination) (amq.MessageProducer, error) {
	return &producer{sess: s, topic: dst.Name(), qos: 1}, nil
}

// filter returns the subscription filter for dst.
func filter(dst amq.Destination) string {
	if dst.Kind() == amq.Queue {
		return "$share/" + dst.Name() + "/" + dst.Name()
	}
	return dst.Name()
}

func (s *session) CreateConsumer(dst amq.Destination) (amq.MessageConsumer, error) {
	c := &consumer{sess: s, topic: dst.Name(), filter: filter(dst), ready: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), s.conn.transport.opts.timeout)
	defer cancel()
	if err := wait(ctx, s.conn.client.Subscribe(c.filter, 1, c.handle)); err != nil {
		return nil, fmt.Errorf("mqtt: subscribe %q: %w", c.filter, err)
	}
	return c, nil
}

func (s *session) track(m mqtt.Message) {
	s.mu.Lock()
	s.pending = append(s.pending, m)
	s.mu.Unlock()
}

// Commit acknowledges every message received since the last commit.
func (s *session) Commit() error {
	if s.mode != amq.SessionTransacted {
		return errors.New("mqtt: session is not transacted")
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, m := range pending {
		m.Ack()
	}
	return nil
}

func (s *session) Close() error {
	return nil
}

type producer struct {
	sess  *session
	topic string

	mu  sync.Mutex
	qos byte
}

// SetDeliveryMode maps persistent delivery to QoS 1 and non-persistent to
// QoS 0.
func (p *producer) SetDeliveryMode(m amq.DeliveryMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m == amq.NonPersistent {
		p.qos = 0
		return
	}
	p.qos = 1
}

func (p *producer) Send(ctx context.Context, msg *amq.Message) error {
	payload, err := p.sess.conn.transport.opts.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("mqtt: encode: %w", err)
	}

	p.mu.Lock()
	qos := p.qos
	p.mu.Unlock()
	return wait(ctx, p.sess.conn.client.Publish(p.topic, qos, false, payload))
}

func (p *producer) Close() error {
	return nil
}

type consumer struct {
	sess   *session
	topic  string
	filter string

	mu        sync.Mutex
	listener  amq.Listener
	readyOnce sync.Once
	ready     chan struct{}
	closeOnce sync.Once
}

func (c *consumer) SetListener(l amq.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// handle runs on the client's router goroutine, which delivers messages in
// order when OrderMatters is set. A transacted message is tracked before
// dispatch so a Commit made by the listener acknowledges it.
func (c *consumer) handle(_ mqtt.Client, m mqtt.Message) {
	conn := c.sess.conn
	for _, gate := range []<-chan struct{}{conn.started, c.ready} {
		select {
		case <-gate:
		case <-conn.closing:
			return
		}
	}

	var d amq.Delivery
	if text, props, ok := conn.transport.opts.codec.Decode(m.Payload()); ok {
		d = amq.NewDelivery(c.topic, amq.TextContentType, []byte(text), props)
	} else {
		d = amq.NewDelivery(c.topic, "", m.Payload(), nil)
	}

	transacted := c.sess.mode == amq.SessionTransacted
	if transacted {
		c.sess.track(m)
	}

	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	l(d)

	if !transacted {
		m.Ack()
	}
}

func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.sess.conn.isClosed() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.sess.conn.transport.opts.timeout)
		defer cancel()
		err = wait(ctx, c.sess.conn.client.Unsubscribe(c.filter))
	})
	return err
}

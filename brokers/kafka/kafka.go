package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qvcloud/amq"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type options struct {
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	groupPrefix string
}

type Option func(*options)

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = c
	}
}

// WithGroupPrefix sets the prefix of the per-subscriber consumer groups
// created for topic destinations.
func WithGroupPrefix(p string) Option {
	return func(o *options) {
		o.groupPrefix = p
	}
}

// Transport connects to Kafka. A queue destination is a topic consumed by a
// shared group named after it; a topic destination gives every consumer its
// own group so each one sees every message.
type Transport struct {
	opts options

	// Internal factories for testing
	newControl func(ctx context.Context, dialer *kafka.Dialer, addr string) (io.Closer, error)
	newWriter  func(w *kafka.Writer) kafkaWriter
	newReader  func(cfg kafka.ReaderConfig) kafkaReader
}

func NewTransport(opts ...Option) *Transport {
	o := options{
		dialTimeout: 10 * time.Second,
		groupPrefix: "amq-",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Transport{
		opts: o,
		newControl: func(ctx context.Context, dialer *kafka.Dialer, addr string) (io.Closer, error) {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		newWriter: func(w *kafka.Writer) kafkaWriter {
			return w
		},
		newReader: func(cfg kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(cfg)
		},
	}
}

func (t *Transport) String() string {
	return "kafka"
}

// ParseBrokers splits "kafka://h1:9092,h2:9092" into broker addresses.
func ParseBrokers(uri string) []string {
	if i := strings.Index(uri, "://"); i >= 0 {
		uri = uri[i+3:]
	}
	uri = strings.TrimSuffix(uri, "/")

	var addrs []string
	for _, a := range strings.Split(uri, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func (t *Transport) Dial(ctx context.Context, uri, username, password string) (amq.Connection, error) {
	brokers := ParseBrokers(uri)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: broker addresses are required")
	}

	var mech sasl.Mechanism
	if username != "" {
		mech = plain.Mechanism{Username: username, Password: password}
	}
	dialer := &kafka.Dialer{
		Timeout:       t.opts.dialTimeout,
		DualStack:     true,
		TLS:           t.opts.tlsConfig,
		SASLMechanism: mech,
	}

	control, err := t.newControl(ctx, dialer, brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: dial %s: %w", brokers[0], err)
	}

	return &connection{
		transport: t,
		brokers:   brokers,
		dialer:    dialer,
		mech:      mech,
		control:   control,
		started:   make(chan struct{}),
	}, nil
}

type connection struct {
	transport *Transport
	brokers   []string
	dialer    *kafka.Dialer
	mech      sasl.Mechanism
	control   io.Closer

	mu        sync.Mutex
	listener  func(error)
	sessions  []*session
	closed    bool
	startOnce sync.Once
	started   chan struct{}
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

func (c *connection) CreateSession(mode amq.AckMode) (amq.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("kafka: connection closed")
	}
	s := &session{conn: c, mode: mode, pending: make(map[kafkaReader][]kafka.Message)}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// Close closes every session of the connection, then the control
// connection.
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
	errs = append(errs, c.control.Close())
	return errors.Join(errs...)
}

type session struct {
	conn *connection
	mode amq.AckMode

	mu       sync.Mutex
	closed   bool
	pending  map[kafkaReader][]kafka.Message
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
		return errors.New("kafka: session closed")
	}
	s.channels = append(s.channels, c)
	return nil
}

func (s *session) CreateProducer(dst amq.Destination) (amq.MessageProducer, error) {
	p := &producer{sess: s, topic: dst.Name(), acks: kafka.RequireAll}
	if err := s.adopt(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *session) CreateConsumer(dst amq.Destination) (amq.MessageConsumer, error) {
	cfg := kafka.ReaderConfig{
		Brokers:     s.conn.brokers,
		Topic:       dst.Name(),
		GroupID:     dst.Name(),
		Dialer:      s.conn.dialer,
		StartOffset: kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			s.conn.fail(fmt.Errorf("kafka: "+msg, args...))
		}),
	}
	if dst.Kind() == amq.Topic {
		cfg.GroupID = s.conn.transport.opts.groupPrefix + uuid.NewString()
		cfg.StartOffset = kafka.LastOffset
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		sess:   s,
		topic:  dst.Name(),
		reader: s.conn.transport.newReader(cfg),
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if err := s.adopt(c); err != nil {
		c.Close()
		return nil, err
	}
	go c.run()
	return c, nil
}

func (s *session) track(r kafkaReader, m kafka.Message) {
	s.mu.Lock()
	s.pending[r] = append(s.pending[r], m)
	s.mu.Unlock()
}

// Commit commits the offsets of every message received since the last
// commit.
func (s *session) Commit() error {
	if s.mode != amq.SessionTransacted {
		return errors.New("kafka: session is not transacted")
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[kafkaReader][]kafka.Message)
	s.mu.Unlock()

	var errs []error
	for r, msgs := range pending {
		if err := r.CommitMessages(context.Background(), msgs...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
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

type producer struct {
	sess  *session
	topic string

	mu     sync.Mutex
	acks   kafka.RequiredAcks
	writer kafkaWriter
	closed bool
}

// SetDeliveryMode selects how many replicas must acknowledge a write. It
// only takes effect before the first Send.
func (p *producer) SetDeliveryMode(m amq.DeliveryMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m == amq.NonPersistent {
		p.acks = kafka.RequireOne
		return
	}
	p.acks = kafka.RequireAll
}

func (p *producer) getWriter() (kafkaWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("kafka: producer closed")
	}
	if p.writer == nil {
		conn := p.sess.conn
		p.writer = conn.transport.newWriter(&kafka.Writer{
			Addr:         kafka.TCP(conn.brokers...),
			Topic:        p.topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: p.acks,
			Transport: &kafka.Transport{
				SASL: conn.mech,
				TLS:  conn.transport.opts.tlsConfig,
			},
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				conn.fail(fmt.Errorf("kafka: "+msg, args...))
			}),
		})
	}
	return p.writer, nil
}

func (p *producer) Send(ctx context.Context, msg *amq.Message) error {
	w, err := p.getWriter()
	if err != nil {
		return err
	}

	headers := []kafka.Header{{Key: "Content-Type", Value: []byte(amq.TextContentType)}}
	for k, v := range msg.StringProperties() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(uuid.NewString()),
		Value:   []byte(msg.Text),
		Headers: headers,
		Time:    time.Now(),
	})
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

type consumer struct {
	sess   *session
	topic  string
	reader kafkaReader

	mu        sync.Mutex
	listener  amq.Listener
	readyOnce sync.Once
	ready     chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func (c *consumer) SetListener(l amq.Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
}

// run fetches and dispatches one message at a time. Outside a transaction
// each offset is committed right after dispatch. In a transacted session the
// offset is pending until the next Commit.
func (c *consumer) run() {
	for _, gate := range []<-chan struct{}{c.sess.conn.started, c.ready} {
		select {
		case <-gate:
		case <-c.ctx.Done():
			return
		}
	}

	for {
		m, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.sess.conn.fail(fmt.Errorf("kafka: fetch from %q: %w", c.topic, err))
			}
			return
		}

		header := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			header[h.Key] = string(h.Value)
		}

		// Tracked before dispatch so a Commit made by the listener covers m.
		transacted := c.sess.mode == amq.SessionTransacted
		if transacted {
			c.sess.track(c.reader, m)
		}

		c.mu.Lock()
		l := c.listener
		c.mu.Unlock()
		l(amq.NewDelivery(c.topic, header["Content-Type"], m.Value, header))

		if transacted {
			continue
		}
		if err := c.reader.CommitMessages(c.ctx, m); err != nil && c.ctx.Err() == nil {
			c.sess.conn.fail(fmt.Errorf("kafka: commit offset %d: %w", m.Offset, err))
		}
	}
}

func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.reader.Close()
	})
	return err
}

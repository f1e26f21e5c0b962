// Package memory is an in-process amq.Transport. Queues deliver round-robin
// and hold messages until a consumer attaches; topics fan out to the
// consumers attached at publish time.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/qvcloud/amq"
)

var (
	errClosed         = errors.New("memory: closed")
	errNotTransacted  = errors.New("memory: session is not transacted")
	errAuthentication = errors.New("memory: authentication failed")
)

// Stats counts broker activity since NewBroker.
type Stats struct {
	Sent      int64
	Delivered int64
	Commits   int64
}

type Broker struct {
	opts options

	sync.RWMutex
	queues map[string]*queue
	topics map[string][]*consumer
	conns  map[*connection]struct{}

	sent      atomic.Int64
	delivered atomic.Int64
	commits   atomic.Int64
}

type queue struct {
	consumers []*consumer
	next      int
	backlog   []amq.Delivery
}

type options struct {
	username   string
	password   string
	bufferSize int
	dialErr    error
}

type Option func(*options)

// WithCredentials makes Dial reject any other username and password.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithBufferSize sets how many deliveries a consumer may have queued.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithDialError makes every Dial fail with err.
func WithDialError(err error) Option {
	return func(o *options) {
		o.dialErr = err
	}
}

func NewBroker(opts ...Option) *Broker {
	o := options{bufferSize: 256}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker{
		opts:   o,
		queues: make(map[string]*queue),
		topics: make(map[string][]*consumer),
		conns:  make(map[*connection]struct{}),
	}
}

func (b *Broker) String() string {
	return "memory"
}

func (b *Broker) Dial(ctx context.Context, uri, username, password string) (amq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.opts.dialErr != nil {
		return nil, b.opts.dialErr
	}
	if b.opts.username != "" && (username != b.opts.username || password != b.opts.password) {
		return nil, fmt.Errorf("%w for %q", errAuthentication, username)
	}

	c := &connection{
		broker:  b,
		started: make(chan struct{}),
	}
	b.Lock()
	b.conns[c] = struct{}{}
	b.Unlock()
	return c, nil
}

func (b *Broker) Stats() Stats {
	return Stats{
		Sent:      b.sent.Load(),
		Delivered: b.delivered.Load(),
		Commits:   b.commits.Load(),
	}
}

// Inject publishes an arbitrary payload, bypassing producers.
func (b *Broker) Inject(kind amq.PipelineKind, dest, contentType string, body []byte, props map[string]string) {
	b.publish(kind, amq.NewDelivery(dest, contentType, body, props))
}

// Fail reports err to the exception listener of every open connection.
func (b *Broker) Fail(err error) {
	b.RLock()
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.RUnlock()

	for _, c := range conns {
		c.fail(err)
	}
}

func (b *Broker) publish(kind amq.PipelineKind, d amq.Delivery) {
	b.sent.Add(1)

	if kind != amq.Topic {
		b.enqueue(d)
		return
	}

	b.RLock()
	targets := append([]*consumer(nil), b.topics[d.Destination()]...)
	b.RUnlock()

	for _, c := range targets {
		c.push(d)
	}
}

// enqueue hands d to the next live consumer of its queue, or to the backlog
// when there is none. A consumer that closes before taking d passes it on.
func (b *Broker) enqueue(d amq.Delivery) {
	for {
		b.Lock()
		q := b.queueLocked(d.Destination())
		c := q.pick()
		if c == nil {
			q.backlog = append(q.backlog, d)
			b.Unlock()
			return
		}
		b.Unlock()

		if c.push(d) {
			return
		}
	}
}

// pick advances the round robin past consumers that are closing.
func (q *queue) pick() *consumer {
	for range q.consumers {
		c := q.consumers[q.next%len(q.consumers)]
		q.next++
		if !c.isDone() {
			return c
		}
	}
	return nil
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) attach(c *consumer) {
	var backlog []amq.Delivery
	b.Lock()
	switch c.dst.Kind() {
	case amq.Topic:
		b.topics[c.dst.Name()] = append(b.topics[c.dst.Name()], c)
	default:
		q := b.queueLocked(c.dst.Name())
		q.consumers = append(q.consumers, c)
		backlog, q.backlog = q.backlog, nil
	}
	b.Unlock()

	for i, d := range backlog {
		if !c.push(d) {
			for _, rest := range backlog[i:] {
				b.enqueue(rest)
			}
			return
		}
	}
}

func (b *Broker) detach(c *consumer) {
	b.Lock()
	defer b.Unlock()

	var kept []*consumer
	switch c.dst.Kind() {
	case amq.Topic:
		for _, sc := range b.topics[c.dst.Name()] {
			if sc.id != c.id {
				kept = append(kept, sc)
			}
		}
		b.topics[c.dst.Name()] = kept
	default:
		q := b.queueLocked(c.dst.Name())
		for _, sc := range q.consumers {
			if sc.id != c.id {
				kept = append(kept, sc)
			}
		}
		q.consumers = kept
	}
}

type connection struct {
	broker *Broker

	mu        sync.Mutex
	listener  func(error)
	sessions  []*session
	closed    bool
	startOnce sync.Once
	started   chan struct{}
}

func (c *connection) Start() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed
	}
	c.startOnce.Do(func() { close(c.started) })
	return nil
}

func (c *connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *connection) fail(err error) {
	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *connection) CreateSession(mode amq.AckMode) (amq.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
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

	for _, s := range sessions {
		s.Close()
	}

	c.broker.Lock()
	delete(c.broker.conns, c)
	c.broker.Unlock()
	return nil
}

type pending struct {
	kind amq.PipelineKind
	d    amq.Delivery
}

type session struct {
	conn *connection
	mode amq.AckMode

	mu        sync.Mutex
	closed    bool
	pending   []pending
	consumers []*consumer
}

func (s *session) CreateQueue(name string) (amq.Destination, error) {
	return amq.NewDestination(name, amq.Queue), nil
}

func (s *session) CreateTopic(name string) (amq.Destination, error) {
	return amq.NewDestination(name, amq.Topic), nil
}

func (s *session) CreateProducer(dst amq.Destination) (amq.MessageProducer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	return &producer{sess: s, dst: dst}, nil
}

func (s *session) CreateConsumer(dst amq.Destination) (amq.MessageConsumer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errClosed
	}
	c := &consumer{
		id:      uuid.New().String(),
		sess:    s,
		dst:     dst,
		inbox:   make(chan amq.Delivery, s.conn.broker.opts.bufferSize),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		started: s.conn.started,
	}
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()

	s.conn.broker.attach(c)
	go c.run()
	return c, nil
}

// Commit publishes the messages held by a transacted session.
func (s *session) Commit() error {
	if s.mode != amq.SessionTransacted {
		return errNotTransacted
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	held := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range held {
		s.conn.broker.publish(p.kind, p.d)
	}
	s.conn.broker.commits.Add(1)
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	return nil
}

func (s *session) send(kind amq.PipelineKind, d amq.Delivery) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	if s.mode == amq.SessionTransacted {
		s.pending = append(s.pending, pending{kind: kind, d: d})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.conn.broker.publish(kind, d)
	return nil
}

type producer struct {
	sess *session
	dst  amq.Destination
	mode atomic.Int32
}

func (p *producer) SetDeliveryMode(m amq.DeliveryMode) {
	p.mode.Store(int32(m))
}

func (p *producer) Send(ctx context.Context, msg *amq.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	props := msg.StringProperties()
	if props == nil {
		props = make(map[string]string)
	}
	props["DeliveryMode"] = amq.DeliveryMode(p.mode.Load()).String()
	d := amq.NewDelivery(p.dst.Name(), amq.TextContentType, []byte(msg.Text), props)
	return p.sess.send(p.dst.Kind(), d)
}

func (p *producer) Close() error {
	return nil
}

type consumer struct {
	id      string
	sess    *session
	dst     amq.Destination
	inbox   chan amq.Delivery
	started <-chan struct{}

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

// push reports false if c closed before taking d.
func (c *consumer) push(d amq.Delivery) bool {
	if c.isDone() {
		return false
	}
	select {
	case c.inbox <- d:
		return true
	case <-c.done:
		return false
	}
}

func (c *consumer) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// run hands deliveries to the listener one at a time, once the connection
// is started and a listener is set.
func (c *consumer) run() {
	for _, gate := range []<-chan struct{}{c.started, c.ready} {
		select {
		case <-gate:
		case <-c.done:
			return
		}
	}

	for {
		select {
		case <-c.done:
			return
		case d := <-c.inbox:
			c.mu.Lock()
			l := c.listener
			c.mu.Unlock()
			if l != nil {
				l(d)
			}
			c.sess.conn.broker.delivered.Add(1)
		}
	}
}

func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sess.conn.broker.detach(c)
	})
	return nil
}

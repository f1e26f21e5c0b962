package amq

import (
	"context"
	"sync"
	"sync/atomic"
)

var (
	_ Transport       = (*mockTransport)(nil)
	_ Connection      = (*mockConn)(nil)
	_ Session         = (*mockSession)(nil)
	_ MessageProducer = (*mockProducer)(nil)
	_ MessageConsumer = (*mockConsumer)(nil)
)

// callLog records the order of release calls across mocks.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type mockTransport struct {
	dialFunc func(ctx context.Context, uri, username, password string) (Connection, error)
	dials    atomic.Int32
}

func (m *mockTransport) Dial(ctx context.Context, uri, username, password string) (Connection, error) {
	m.dials.Add(1)
	if m.dialFunc != nil {
		return m.dialFunc(ctx, uri, username, password)
	}
	return nil, nil
}

func (m *mockTransport) String() string { return "mock" }

type mockConn struct {
	log               *callLog
	startFunc         func() error
	closeFunc         func() error
	createSessionFunc func(mode AckMode) (Session, error)

	mu       sync.Mutex
	listener func(error)
	closes   atomic.Int32
}

func (m *mockConn) Start() error {
	if m.startFunc != nil {
		return m.startFunc()
	}
	return nil
}

func (m *mockConn) SetExceptionListener(fn func(error)) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

func (m *mockConn) raise(err error) {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (m *mockConn) CreateSession(mode AckMode) (Session, error) {
	if m.createSessionFunc != nil {
		return m.createSessionFunc(mode)
	}
	return nil, nil
}

func (m *mockConn) Close() error {
	m.closes.Add(1)
	m.log.add("connection")
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockSession struct {
	log                *callLog
	mode               AckMode
	createQueueFunc    func(name string) (Destination, error)
	createTopicFunc    func(name string) (Destination, error)
	createProducerFunc func(dst Destination) (MessageProducer, error)
	createConsumerFunc func(dst Destination) (MessageConsumer, error)
	commitFunc         func() error
	closeFunc          func() error

	commits atomic.Int32
	closes  atomic.Int32
}

func (m *mockSession) CreateQueue(name string) (Destination, error) {
	if m.createQueueFunc != nil {
		return m.createQueueFunc(name)
	}
	return NewDestination(name, Queue), nil
}

func (m *mockSession) CreateTopic(name string) (Destination, error) {
	if m.createTopicFunc != nil {
		return m.createTopicFunc(name)
	}
	return NewDestination(name, Topic), nil
}

func (m *mockSession) CreateProducer(dst Destination) (MessageProducer, error) {
	if m.createProducerFunc != nil {
		return m.createProducerFunc(dst)
	}
	return nil, nil
}

func (m *mockSession) CreateConsumer(dst Destination) (MessageConsumer, error) {
	if m.createConsumerFunc != nil {
		return m.createConsumerFunc(dst)
	}
	return nil, nil
}

func (m *mockSession) Commit() error {
	m.commits.Add(1)
	if m.commitFunc != nil {
		return m.commitFunc()
	}
	return nil
}

func (m *mockSession) Close() error {
	m.closes.Add(1)
	m.log.add("session")
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockProducer struct {
	log      *callLog
	sendFunc func(ctx context.Context, msg *Message) error

	mu     sync.Mutex
	mode   DeliveryMode
	sent   []*Message
	closes atomic.Int32
}

func (m *mockProducer) SetDeliveryMode(mode DeliveryMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

func (m *mockProducer) Send(ctx context.Context, msg *Message) error {
	if m.sendFunc != nil {
		if err := m.sendFunc(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *mockProducer) messages() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Message(nil), m.sent...)
}

func (m *mockProducer) Close() error {
	m.closes.Add(1)
	m.log.add("producer")
	return nil
}

type mockConsumer struct {
	log *callLog

	mu       sync.Mutex
	listener Listener
	closes   atomic.Int32
}

func (m *mockConsumer) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

func (m *mockConsumer) deliver(d Delivery) {
	m.mu.Lock()
	l := m.listener
	m.mu.Unlock()
	l(d)
}

func (m *mockConsumer) Close() error {
	m.closes.Add(1)
	m.log.add("consumer")
	return nil
}

// mockStack wires a transport whose dial yields conn, session and the
// role's channel.
type mockStack struct {
	log       *callLog
	transport *mockTransport
	conn      *mockConn
	session   *mockSession
	producer  *mockProducer
	consumer  *mockConsumer
}

func newMockStack() *mockStack {
	log := &callLog{}
	s := &mockStack{
		log:      log,
		conn:     &mockConn{log: log},
		session:  &mockSession{log: log},
		producer: &mockProducer{log: log},
		consumer: &mockConsumer{log: log},
	}
	s.transport = &mockTransport{
		dialFunc: func(context.Context, string, string, string) (Connection, error) {
			return s.conn, nil
		},
	}
	s.conn.createSessionFunc = func(mode AckMode) (Session, error) {
		s.session.mode = mode
		return s.session, nil
	}
	s.session.createProducerFunc = func(Destination) (MessageProducer, error) {
		return s.producer, nil
	}
	s.session.createConsumerFunc = func(Destination) (MessageConsumer, error) {
		return s.consumer, nil
	}
	return s
}

func validConfig() Config {
	return Config{
		BrokerURI:   "tcp://localhost:61616",
		Username:    "admin",
		Password:    "admin",
		Destination: "orders",
		Pipeline:    Queue,
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingNotifier) Notify(text string) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
}

func (r *recordingNotifier) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

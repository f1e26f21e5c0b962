package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qvcloud/amq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	channelFunc  func() (rabbitChannel, error)
	closeFunc    func() error
	isClosedFunc func() bool

	notify chan *amqp.Error
}

func (m *mockConn) Channel() (rabbitChannel, error) {
	if m.channelFunc != nil {
		return m.channelFunc()
	}
	return nil, nil
}

func (m *mockConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.notify = receiver
	return receiver
}

func (m *mockConn) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func (m *mockConn) IsClosed() bool {
	if m.isClosedFunc != nil {
		return m.isClosedFunc()
	}
	return false
}

type mockChannel struct {
	publishFunc         func(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	consumeFunc         func(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	queueDeclareFunc    func(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	exchangeDeclareFunc func(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	queueBindFunc       func(name, key, exchange string, noWait bool, args amqp.Table) error
	qosFunc             func(prefetchCount, prefetchSize int, global bool) error
	txFunc              func() error
	txCommitFunc        func() error
	cancelFunc          func(consumer string, noWait bool) error
	closeFunc           func() error

	deliveries chan amqp.Delivery
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, exchange, key, mandatory, immediate, msg)
	}
	return nil
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.consumeFunc != nil {
		return m.consumeFunc(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	}
	return m.deliveries, nil
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.queueDeclareFunc != nil {
		return m.queueDeclareFunc(name, durable, autoDelete, exclusive, noWait, args)
	}
	return amqp.Queue{Name: name}, nil
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if m.exchangeDeclareFunc != nil {
		return m.exchangeDeclareFunc(name, kind, durable, autoDelete, internal, noWait, args)
	}
	return nil
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if m.queueBindFunc != nil {
		return m.queueBindFunc(name, key, exchange, noWait, args)
	}
	return nil
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if m.qosFunc != nil {
		return m.qosFunc(prefetchCount, prefetchSize, global)
	}
	return nil
}

func (m *mockChannel) Tx() error {
	if m.txFunc != nil {
		return m.txFunc()
	}
	return nil
}

func (m *mockChannel) TxCommit() error {
	if m.txCommitFunc != nil {
		return m.txCommitFunc()
	}
	return nil
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	if m.cancelFunc != nil {
		return m.cancelFunc(consumer, noWait)
	}
	return nil
}

func (m *mockChannel) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockAcknowledger struct {
	mu   sync.Mutex
	acks []uint64
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	m.acks = append(m.acks, tag)
	m.mu.Unlock()
	return nil
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error         { return nil }

func newTestTransport(conn *mockConn, opts ...Option) (*Transport, *amqp.Config) {
	t := NewTransport(opts...)
	var seen amqp.Config
	t.newConn = func(ctx context.Context, addr string, config amqp.Config) (rabbitConn, error) {
		seen = config
		return conn, nil
	}
	return t, &seen
}

func TestRabbitMQ_Basic(t *testing.T) {
	tr := NewTransport()
	assert.Equal(t, "rabbitmq", tr.String())
	assert.Equal(t, "amq.topic", tr.opts.topicExchange)

	_, err := tr.Dial(context.Background(), "", "", "")
	assert.Error(t, err)
}

func TestRabbitMQ_Dial(t *testing.T) {
	conn := &mockConn{}
	tr, seen := newTestTransport(conn, WithConnectionName("orders-svc"), WithHeartbeat(time.Second))

	c, err := tr.Dial(context.Background(), "amqp://localhost:5672/", "guest", "secret")
	require.NoError(t, err)
	require.Len(t, seen.SASL, 1)
	auth := seen.SASL[0].(*amqp.PlainAuth)
	assert.Equal(t, "guest", auth.Username)
	assert.Equal(t, "secret", auth.Password)
	assert.Equal(t, "orders-svc", seen.Properties["connection_name"])
	assert.Equal(t, time.Second, seen.Heartbeat)

	assert.NoError(t, c.Start())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestRabbitMQ_DialError(t *testing.T) {
	tr := NewTransport()
	tr.newConn = func(context.Context, string, amqp.Config) (rabbitConn, error) {
		return nil, errors.New("refused")
	}
	_, err := tr.Dial(context.Background(), "amqp://localhost", "", "")
	assert.ErrorContains(t, err, "refused")
}

func TestRabbitMQ_ExceptionListener(t *testing.T) {
	conn := &mockConn{}
	tr, _ := newTestTransport(conn)
	c, err := tr.Dial(context.Background(), "amqp://localhost", "", "")
	require.NoError(t, err)

	got := make(chan error, 1)
	c.SetExceptionListener(func(err error) { got <- err })
	conn.notify <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}

	select {
	case err := <-got:
		assert.Contains(t, err.Error(), "CONNECTION_FORCED")
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
}

func TestRabbitMQ_Producer(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConn{channelFunc: func() (rabbitChannel, error) { return ch, nil }}
	tr, _ := newTestTransport(conn)

	c, _ := tr.Dial(context.Background(), "amqp://localhost", "", "")
	sess, err := c.CreateSession(amq.AutoAcknowledge)
	require.NoError(t, err)

	var declared string
	ch.queueDeclareFunc = func(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
		declared = name
		assert.True(t, durable)
		return amqp.Queue{Name: name}, nil
	}
	dst, err := sess.CreateQueue("orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", declared)

	p, err := sess.CreateProducer(dst)
	require.NoError(t, err)
	p.SetDeliveryMode(amq.NonPersistent)

	var pub amqp.Publishing
	var exchange, key string
	ch.publishFunc = func(ctx context.Context, ex, k string, mandatory, immediate bool, msg amqp.Publishing) error {
		exchange, key, pub = ex, k, msg
		return nil
	}

	msg := amq.NewTextMessage("hello")
	msg.SetIntProperty(amq.PriorityProperty, 6)
	require.NoError(t, p.Send(context.Background(), msg))

	assert.Equal(t, "", exchange)
	assert.Equal(t, "orders", key)
	assert.Equal(t, []byte("hello"), pub.Body)
	assert.Equal(t, int32(6), pub.Headers[amq.PriorityProperty])
	assert.Equal(t, amqp.Transient, pub.DeliveryMode)
	assert.Equal(t, uint8(0), pub.Priority)
	assert.NotEmpty(t, pub.MessageId)
	assert.Equal(t, amq.TextContentType, pub.ContentType)
}

func TestRabbitMQ_NativePriority(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConn{channelFunc: func() (rabbitChannel, error) { return ch, nil }}
	tr, _ := newTestTransport(conn, WithNativePriority())

	c, _ := tr.Dial(context.Background(), "amqp://localhost", "", "")
	sess, _ := c.CreateSession(amq.AutoAcknowledge)
	dst, _ := sess.CreateQueue("q")
	p, _ := sess.CreateProducer(dst)

	var priorities []uint8
	ch.publishFunc = func(ctx context.Context, ex, k string, mandatory, immediate bool, msg amqp.Publishing) error {
		priorities = append(priorities, msg.Priority)
		assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
		return nil
	}
	for _, v := range []int32{4, 42, -1} {
		m := amq.NewTextMessage("x")
		m.SetIntProperty(amq.PriorityProperty, v)
		require.NoError(t, p.Send(context.Background(), m))
	}
	assert.Equal(t, []uint8{4, 9, 0}, priorities)
}

func TestRabbitMQ_Topic(t *testing.T) {
	ch := &mockChannel{deliveries: make(chan amqp.Delivery)}
	conn := &mockConn{channelFunc: func() (rabbitChannel, error) { return ch, nil }}
	tr, _ := newTestTransport(conn, WithTopicExchange("events"))

	var declaredExchange string
	ch.exchangeDeclareFunc = func(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
		declaredExchange = name
		assert.Equal(t, "topic", kind)
		return nil
	}
	var boundQueue, boundKey, boundExchange string
	ch.queueBindFunc = func(name, key, exchange string, noWait bool, args amqp.Table) error {
		boundQueue, boundKey, boundExchange = name, key, exchange
		return nil
	}
	ch.queueDeclareFunc = func(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
		assert.True(t, exclusive)
		return amqp.Queue{Name: "amq.gen-123"}, nil
	}

	c, _ := tr.Dial(context.Background(), "amqp://localhost", "", "")
	sess, _ := c.CreateSession(amq.AutoAcknowledge)
	dst, err := sess.CreateTopic("prices.eur")
	require.NoError(t, err)
	assert.Equal(t, "events", declaredExchange)
	assert.Equal(t, amq.Topic, dst.Kind())

	cons, err := sess.CreateConsumer(dst)
	require.NoError(t, err)
	defer cons.Close()
	assert.Equal(t, "amq.gen-123", boundQueue)
	assert.Equal(t, "prices.eur", boundKey)
	assert.Equal(t, "events", boundExchange)
}

func TestRabbitMQ_ReservedTopicExchangeIsNotDeclared(t *testing.T) {
	ch := &mockChannel{}
	ch.exchangeDeclareFunc = func(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
		t.Fatalf("unexpected declare of %q", name)
		return nil
	}
	conn := &mockConn{channelFunc: func() (rabbitChannel, error) { return ch, nil }}
	tr, _ := newTestTransport(conn)

	c, _ := tr.Dial(context.Background(), "amqp://localhost", "", "")
	sess, _ := c.CreateSession(amq.AutoAcknowledge)
	_, err := sess.CreateTopic("t")
	assert.NoError(t, err)
}

func TestRabbitMQ_TransactedConsumer(t *testing.T) {
	ch := &mockChannel{deliveries: make(chan amqp.Delivery, 2)}
	conn := &mockConn{channelFunc: func() (rabbitChannel, error) { return ch, nil }}
	tr, _ := newTestTransport(conn)

	txEnabled := false
	ch.txFunc = func() error { txEnabled = true; return nil }
	var autoAck bool
	ch.consumeFunc = func(queue, consumer string, aa, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
		autoAck = aa
		return ch.deliveries, nil
	}
	commits := 0
	ch.txCommitFunc = func() error { commits++; return nil }

	c, _ := tr.Dial(context.Background(), "amqp://localhost", "", "")
	sess, err := c.CreateSession(amq.SessionTransacted)
	require.NoError(t, err)
	assert.True(t, txEnabled)

	dst, _ := sess.CreateQueue("tx")
	cons, err := sess.CreateConsumer(dst)
	require.NoError(t, err)
	defer cons.Close()
	assert.False(t, autoAck)

	got := make(chan amq.Delivery, 2)
	cons.SetListener(func(d amq.Delivery) { got <- d })
	require.NoError(t, c.Start())

	ack := &mockAcknowledger{}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, ContentType: "text/plain", Body: []byte("hi"), Headers: amqp.Table{"Integer": int32(3)}}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, ContentType: "application/octet-stream", Body: []byte{0x00}}

	for i := 0; i < 2; i++ {
		select {
		case d := <-got:
			if i == 0 {
				td, ok := d.(amq.TextDelivery)
				require.True(t, ok)
				text, _ := td.Text()
				assert.Equal(t, "hi", text)
				assert.Equal(t, "3", d.Properties()["Integer"])
			} else {
				_, ok := d.(amq.TextDelivery)
				assert.False(t, ok)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	ack.mu.Lock()
	assert.Equal(t, []uint64{1, 2}, ack.acks)
	ack.mu.Unlock()

	require.NoError(t, sess.Commit())
	assert.Equal(t, 1, commits)
}

func TestRabbitMQ_CommitRequiresTransaction(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConn{channelFunc: func() (rabbitChannel, error) { return ch, nil }}
	tr, _ := newTestTransport(conn)

	c, _ := tr.Dial(context.Background(), "amqp://localhost", "", "")
	sess, _ := c.CreateSession(amq.AutoAcknowledge)
	assert.ErrorIs(t, sess.Commit(), errNotTransacted)
}

func TestRabbitMQ_CloseIgnoresClosedChannel(t *testing.T) {
	ch := &mockChannel{closeFunc: func() error { return amqp.ErrClosed }}
	conn := &mockConn{
		channelFunc: func() (rabbitChannel, error) { return ch, nil },
		closeFunc:   func() error { return amqp.ErrClosed },
	}
	tr, _ := newTestTransport(conn)

	c, _ := tr.Dial(context.Background(), "amqp://localhost", "", "")
	sess, _ := c.CreateSession(amq.AutoAcknowledge)
	assert.NoError(t, c.Close())
	assert.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())
}

func TestRabbitMQ_Instance(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConn{channelFunc: func() (rabbitChannel, error) { return ch, nil }}
	tr, _ := newTestTransport(conn)

	sent := make(chan amqp.Publishing, 1)
	ch.publishFunc = func(ctx context.Context, ex, k string, mandatory, immediate bool, msg amqp.Publishing) error {
		sent <- msg
		return nil
	}

	in := amq.New(amq.Producer, amq.WithTransport(tr))
	in.Configure(amq.Config{BrokerURI: "amqp://localhost", Destination: "orders"})
	require.NoError(t, in.Run(context.Background()))
	defer in.Close()

	require.NoError(t, in.Send(context.Background(), "from instance", 8))
	msg := <-sent
	assert.Equal(t, "from instance", string(msg.Body))
	assert.Equal(t, int32(8), msg.Headers[amq.PriorityProperty])
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
}

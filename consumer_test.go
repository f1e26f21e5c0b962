package amq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func activeConsumer(t *testing.T, transacted bool, opts ...Option) (*Instance, *mockStack, *recordingNotifier) {
	t.Helper()
	s := newMockStack()
	in := New(Consumer, append([]Option{WithTransport(s.transport)}, opts...)...)
	cfg := validConfig()
	cfg.Transacted = transacted
	in.Configure(cfg)
	n := &recordingNotifier{}
	in.SetCallback(n)
	require.NoError(t, in.Run(context.Background()))
	return in, s, n
}

func textDeliveryOf(s string) Delivery {
	return NewDelivery("orders", TextContentType, []byte(s), nil)
}

func binaryDelivery() Delivery {
	return NewDelivery("orders", "application/octet-stream", []byte{0x00, 0xff, 0x10}, nil)
}

func TestConsumer_DeliversText(t *testing.T) {
	in, s, n := activeConsumer(t, false)

	s.consumer.deliver(textDeliveryOf("first"))
	s.consumer.deliver(textDeliveryOf("second"))

	assert.Equal(t, []string{"first", "second"}, n.received())
	assert.Equal(t, "", in.LastError())
}

func TestConsumer_NullMessage(t *testing.T) {
	in, s, n := activeConsumer(t, false)

	s.consumer.deliver(binaryDelivery())

	assert.Empty(t, n.received())
	assert.ErrorIs(t, in.LastErr(), ErrNullMessage)
	assert.Equal(t, KindPayload, in.LastErr().Kind)
	assert.Contains(t, in.LastError(), "NULL message received")
	assert.Contains(t, in.LastError(), "consumer")
}

func TestConsumer_InvalidUTF8(t *testing.T) {
	in, s, n := activeConsumer(t, false)

	s.consumer.deliver(NewDelivery("orders", "text/plain", []byte{0xff, 0xfe, 0xfd}, nil))

	assert.Empty(t, n.received())
	assert.Equal(t, KindPayload, in.LastErr().Kind)
	assert.Equal(t, "decode", in.LastErr().Op)
}

func TestConsumer_TransactedCommitsEveryMessage(t *testing.T) {
	_, s, n := activeConsumer(t, true)

	deliveries := []Delivery{
		textDeliveryOf("a"),
		binaryDelivery(),
		textDeliveryOf("b"),
		binaryDelivery(),
		textDeliveryOf("c"),
	}
	for _, d := range deliveries {
		s.consumer.deliver(d)
	}

	assert.Equal(t, int32(len(deliveries)), s.session.commits.Load())
	assert.Equal(t, []string{"a", "b", "c"}, n.received())
}

func TestConsumer_AutoAckNeverCommits(t *testing.T) {
	_, s, _ := activeConsumer(t, false)

	for i := 0; i < 4; i++ {
		s.consumer.deliver(textDeliveryOf("x"))
	}
	s.consumer.deliver(binaryDelivery())

	assert.Zero(t, s.session.commits.Load())
}

func TestConsumer_CommitFailure(t *testing.T) {
	in, s, n := activeConsumer(t, true)
	s.session.commitFunc = func() error { return errors.New("tx rolled back") }

	s.consumer.deliver(textDeliveryOf("payload"))

	assert.Equal(t, []string{"payload"}, n.received())
	assert.Equal(t, "commit", in.LastErr().Op)
	assert.Contains(t, in.LastError(), "tx rolled back")
}

func TestConsumer_NoCallback(t *testing.T) {
	s := newMockStack()
	in := New(Consumer, WithTransport(s.transport))
	in.Configure(validConfig())
	require.NoError(t, in.Run(context.Background()))

	assert.NotPanics(t, func() { s.consumer.deliver(textDeliveryOf("dropped")) })
	assert.Equal(t, "", in.LastError())
}

func TestConsumer_CallbackSetAfterRun(t *testing.T) {
	s := newMockStack()
	in := New(Consumer, WithTransport(s.transport))
	in.Configure(validConfig())
	require.NoError(t, in.Run(context.Background()))

	var got []string
	in.SetCallback(NotifyFunc(func(text string) { got = append(got, text) }))
	s.consumer.deliver(textDeliveryOf("late"))
	assert.Equal(t, []string{"late"}, got)
}

func TestConsumer_NoCommitAfterClose(t *testing.T) {
	in, s, _ := activeConsumer(t, true)
	in.Close()

	s.consumer.deliver(textDeliveryOf("straggler"))
	assert.Zero(t, s.session.commits.Load())
}

func TestConsumer_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))

	_, s, _ := activeConsumer(t, false, Tracer(tp.Tracer("test")))
	s.consumer.deliver(binaryDelivery())

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "amq.receive", spans[1].Name())
	require.NotEmpty(t, spans[1].Events())
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}

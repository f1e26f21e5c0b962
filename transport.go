package amq

import (
	"context"
)

// Transport connects to a broker. Implementations live under brokers/.
type Transport interface {
	Dial(ctx context.Context, uri, username, password string) (Connection, error)
	String() string
}

// Connection is an open broker connection.
type Connection interface {
	Start() error
	// SetExceptionListener registers fn for asynchronous transport failures.
	SetExceptionListener(fn func(error))
	CreateSession(mode AckMode) (Session, error)
	Close() error
}

// Session creates destinations and channels. A transacted session settles
// everything sent or received on it when Commit is called.
type Session interface {
	CreateQueue(name string) (Destination, error)
	CreateTopic(name string) (Destination, error)
	// CreateProducer and CreateConsumer may return a nil handle with a nil
	// error when the broker refuses the channel without raising.
	CreateProducer(dst Destination) (MessageProducer, error)
	CreateConsumer(dst Destination) (MessageConsumer, error)
	Commit() error
	Close() error
}

type Destination interface {
	Name() string
	Kind() PipelineKind
}

type MessageProducer interface {
	SetDeliveryMode(mode DeliveryMode)
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Listener is called once per inbound message. A MessageConsumer never runs two
// listener calls at the same time.
type Listener func(Delivery)

type MessageConsumer interface {
	SetListener(l Listener)
	Close() error
}

// destination is a plain Destination for transports that need nothing more.
type destination struct {
	name string
	kind PipelineKind
}

func (d destination) Name() string       { return d.name }
func (d destination) Kind() PipelineKind { return d.kind }

// NewDestination returns a Destination carrying only a name and kind.
func NewDestination(name string, kind PipelineKind) Destination {
	return destination{name: name, kind: kind}
}

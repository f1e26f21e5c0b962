package amq

import (
	"errors"
	"fmt"
)

// Kind classifies a recorded failure.
type Kind int

const (
	// KindConfig is missing required configuration detected at activation.
	KindConfig Kind = iota
	// KindTransport is any failure raised by the broker connection, session
	// or channel.
	KindTransport
	// KindPayload is an inbound message that could not be decoded as text.
	KindPayload
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindPayload:
		return "payload"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrBrokerURIMissing = errors.New("broker uri was not provided")
	ErrQueueNameMissing = errors.New("queue name was not provided")
	ErrTopicNameMissing = errors.New("topic name was not provided")
	ErrTransportMissing = errors.New("transport was not provided")
	ErrNoChannel        = errors.New("could not create amq channel")
	ErrNullMessage      = errors.New("NULL message received")

	// The following are returned to the caller without being recorded.
	ErrClosed    = errors.New("amq: instance is closed")
	ErrActive    = errors.New("amq: instance is already active")
	ErrNotActive = errors.New("amq: instance is not active")
	ErrWrongRole = errors.New("amq: operation not supported by this role")
)

// Error is a failure recorded by an Instance.
type Error struct {
	Kind    Kind
	Role    Role
	Op      string
	Message string
	Trace   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("amq::%s exception occurred: %s trace info: %s", e.Role, e.Message, e.Trace)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, role Role, op string, err error) *Error {
	return &Error{
		Kind:    kind,
		Role:    role,
		Op:      op,
		Message: err.Error(),
		Trace:   traceInfo(op, err),
		Err:     err,
	}
}

// traceInfo renders the failing step and the concrete type of the root cause.
func traceInfo(op string, err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return fmt.Sprintf("%s <- %T", op, root)
}

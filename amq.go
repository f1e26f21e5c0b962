// Package amq is a message-broker client core with two roles, producer and
// consumer, running against a queue/topic backend. A Transport supplies the
// broker connection; an Instance owns the lifecycle built on top of it.
package amq

import (
	"fmt"
	"strings"
)

// Role is fixed when an Instance is constructed.
type Role int

const (
	Consumer Role = iota
	Producer
)

func (r Role) String() string {
	switch r {
	case Consumer:
		return "consumer"
	case Producer:
		return "producer"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole parses "consumer" or "producer".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "consumer":
		return Consumer, nil
	case "producer":
		return Producer, nil
	}
	return 0, fmt.Errorf("amq: unknown role %q", s)
}

// PipelineKind selects point-to-point or publish/subscribe delivery.
type PipelineKind int

const (
	Queue PipelineKind = iota
	Topic
)

func (k PipelineKind) String() string {
	switch k {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	}
	return fmt.Sprintf("pipeline(%d)", int(k))
}

func ParsePipelineKind(s string) (PipelineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue":
		return Queue, nil
	case "topic":
		return Topic, nil
	}
	return 0, fmt.Errorf("amq: unknown pipeline kind %q", s)
}

type DeliveryMode int

const (
	Persistent DeliveryMode = iota
	NonPersistent
)

func (m DeliveryMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case NonPersistent:
		return "non_persistent"
	}
	return fmt.Sprintf("delivery_mode(%d)", int(m))
}

func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "persistent":
		return Persistent, nil
	case "non_persistent", "non-persistent", "nonpersistent":
		return NonPersistent, nil
	}
	return 0, fmt.Errorf("amq: unknown delivery mode %q", s)
}

// AckMode is the acknowledgement mode a session is opened with.
type AckMode int

const (
	AutoAcknowledge AckMode = iota
	SessionTransacted
)

func (m AckMode) String() string {
	if m == SessionTransacted {
		return "transacted"
	}
	return "auto_acknowledge"
}

// Notifier receives the text of every inbound message. It is invoked from the
// transport's delivery goroutine and must handle its own synchronization.
type Notifier interface {
	Notify(text string)
}

// NotifyFunc adapts an ordinary function to a Notifier.
type NotifyFunc func(text string)

func (f NotifyFunc) Notify(text string) { f(text) }

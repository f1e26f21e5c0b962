package amq

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// State is the lifecycle position of an Instance.
type State int

const (
	StateNew State = iota
	StateActivating
	StateActive
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Instance is a producer or consumer connection. Its role is fixed by New.
// Failures never escape as panics; the last one is kept and can be read
// with LastError.
type Instance struct {
	role Role
	opts *Options
	tel  *telemetry
	sink *errorSink
	res  *resources
	ch   roleChannel

	mu    sync.Mutex
	state State
	cfg   Config

	cleanup runtime.Cleanup
}

// New returns an Instance for role. Any role other than Producer is a
// consumer. Resources are released when Close is called or when the
// Instance becomes unreachable.
func New(role Role, opts ...Option) *Instance {
	if role != Producer {
		role = Consumer
	}

	options := NewOptions(opts...)
	tel := newTelemetry(options)
	logger := options.Logger
	sink := &errorSink{onRecord: func(e *Error) {
		logger.Logf("%v", e)
		tel.failed(e)
	}}
	res := &resources{sink: sink, role: role}

	in := &Instance{
		role: role,
		opts: options,
		tel:  tel,
		sink: sink,
		res:  res,
	}
	switch role {
	case Producer:
		in.ch = &producerChannel{sink: sink, tel: tel, res: res}
	case Consumer:
		in.ch = &consumerChannel{sink: sink, tel: tel, res: res}
	}

	in.cleanup = runtime.AddCleanup(in, func(r *resources) { r.release() }, res)
	return in
}

// Role returns the role fixed at construction.
func (in *Instance) Role() Role { return in.role }

func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Configure replaces the whole configuration. It has no effect on an
// instance that was already activated.
func (in *Instance) Configure(cfg Config) {
	in.mu.Lock()
	in.cfg = cfg
	in.mu.Unlock()
}

func (in *Instance) Config() Config {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cfg
}

func (in *Instance) update(fn func(*Config)) {
	in.mu.Lock()
	fn(&in.cfg)
	in.mu.Unlock()
}

func (in *Instance) SetBrokerURI(uri string) { in.update(func(c *Config) { c.BrokerURI = uri }) }
func (in *Instance) SetUsername(u string)    { in.update(func(c *Config) { c.Username = u }) }
func (in *Instance) SetPassword(p string)    { in.update(func(c *Config) { c.Password = p }) }
func (in *Instance) SetDestination(n string) { in.update(func(c *Config) { c.Destination = n }) }

func (in *Instance) SetPipeline(k PipelineKind) {
	in.update(func(c *Config) { c.Pipeline = k })
}

func (in *Instance) SetDeliveryMode(m DeliveryMode) {
	in.update(func(c *Config) { c.DeliveryMode = m })
}

func (in *Instance) SetTransacted(b bool) {
	in.update(func(c *Config) { c.Transacted = b })
}

// SetCallback registers the notifier for inbound messages. Producers ignore it.
func (in *Instance) SetCallback(n Notifier) {
	if c, ok := in.ch.(*consumerChannel); ok {
		c.setNotifier(n)
	}
}

// Run activates the instance and blocks until the channel is open or a step
// fails. The returned error is the one recorded to LastError, or one of
// ErrClosed and ErrActive, which are not recorded.
func (in *Instance) Run(ctx context.Context) error {
	in.mu.Lock()
	switch in.state {
	case StateClosed:
		in.mu.Unlock()
		return ErrClosed
	case StateActivating, StateActive, StateFailed:
		in.mu.Unlock()
		return ErrActive
	}
	in.state = StateActivating
	cfg := in.cfg
	in.mu.Unlock()

	err := in.activate(ctx, cfg)

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == StateActivating {
		if err != nil {
			in.state = StateFailed
		} else {
			in.state = StateActive
		}
	}
	return err
}

// Send dispatches text with priority attached as the "Integer" property.
// Empty text is ignored. Transport failures are recorded and returned.
func (in *Instance) Send(ctx context.Context, text string, priority int32) error {
	p, ok := in.ch.(*producerChannel)
	if !ok {
		return ErrWrongRole
	}
	if text == "" {
		return nil
	}

	switch in.State() {
	case StateClosed:
		return ErrClosed
	case StateActive:
	default:
		return ErrNotActive
	}
	return p.send(ctx, text, priority)
}

// Close releases the connection, destination, channel and session, in that
// order. It is safe to call more than once; only the first call releases
// anything. Release failures are recorded, not returned.
func (in *Instance) Close() error {
	in.mu.Lock()
	if in.state == StateClosed {
		in.mu.Unlock()
		return nil
	}
	in.state = StateClosed
	in.mu.Unlock()

	in.cleanup.Stop()
	in.res.release()
	in.opts.Logger.Logf("amq: %s closed", in.role)
	return nil
}

// LastError returns the flattened text of the last recorded failure, or ""
// if nothing failed yet.
func (in *Instance) LastError() string {
	return in.sink.String()
}

// LastErr returns the last recorded failure, or nil.
func (in *Instance) LastErr() *Error {
	return in.sink.lastErr()
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

package amq

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/qvcloud/amq"

// Options contains the ambient dependencies of an Instance.
type Options struct {
	// Transport is the broker client used at activation.
	Transport Transport
	// Logger receives lifecycle events and recorded failures.
	Logger Logger

	// Tracer is the OpenTelemetry tracer for observability.
	Tracer trace.Tracer
	// Meter is the OpenTelemetry meter for observability.
	Meter metric.Meter
}

type Option func(*Options)

func NewOptions(opts ...Option) *Options {
	options := Options{}

	for _, o := range opts {
		o(&options)
	}

	if options.Logger == nil {
		options.Logger = nopLogger{}
	}
	if options.Tracer == nil {
		options.Tracer = otel.Tracer(instrumentationName)
	}
	if options.Meter == nil {
		options.Meter = otel.Meter(instrumentationName)
	}

	return &options
}

// WithTransport sets the broker client the instance dials on Run.
func WithTransport(t Transport) Option {
	return func(o *Options) {
		o.Transport = t
	}
}

func WithLogger(l Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Tracer sets the tracer used for observability.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// Meter sets the meter used for observability.
func Meter(m metric.Meter) Option {
	return func(o *Options) {
		o.Meter = m
	}
}

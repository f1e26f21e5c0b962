package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported by amqctl.
type Metrics struct {
	messages     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	sendDuration prometheus.Histogram
	active       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amq",
			Name:      "messages_total",
			Help:      "Messages handled, by direction and status.",
		}, []string{"direction", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amq",
			Name:      "errors_total",
			Help:      "Errors reported by the instance, by kind.",
		}, []string{"kind"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "amq",
			Name:      "send_duration_seconds",
			Help:      "Time taken by a single send.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "amq",
			Name:      "instance_active",
			Help:      "1 while the instance is active.",
		}),
	}

	for _, c := range []prometheus.Collector{m.messages, m.errors, m.sendDuration, m.active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) IncMessages(direction, status string) {
	m.messages.WithLabelValues(direction, status).Inc()
}

func (m *Metrics) IncErrors(kind string) {
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSend(d time.Duration) {
	m.sendDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActive(active bool) {
	if active {
		m.active.Set(1)
		return
	}
	m.active.Set(0)
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

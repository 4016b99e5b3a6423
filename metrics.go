package bulkmail

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus collectors of one client. A nil *metrics records nothing.
type metrics struct {
	messagesSent     *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
	compileFailures  prometheus.Counter
	suspensions      *prometheus.CounterVec
	activeTransports prometheus.Gauge
	sendDuration     *prometheus.HistogramVec
	batches          *prometheus.CounterVec
}

func newMetrics(namespace string, reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &metrics{
		messagesSent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages accepted by an endpoint",
		}, []string{"endpoint"})),
		sendFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed send attempts by endpoint and failure class",
		}, []string{"endpoint", "class"})),
		compileFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_failures_total",
			Help:      "Total number of jobs whose message could not be compiled",
		})),
		suspensions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_suspensions_total",
			Help:      "Total number of times an endpoint was suspended after repeated failures",
		}, []string{"endpoint"})),
		activeTransports: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transports",
			Help:      "Number of currently connected transport clients",
		})),
		sendDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Duration of successful transmit calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"})),
		batches: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of completed batches by execution mode",
		}, []string{"mode"})),
	}
}

// register returns the already registered collector when an identical one exists, so
// several clients can share a registerer.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) sent(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(endpoint).Inc()
	m.sendDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *metrics) failed(endpoint string, kind ErrorKind) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(endpoint, kind.String()).Inc()
}

func (m *metrics) compileFailed() {
	if m == nil {
		return
	}
	m.compileFailures.Inc()
}

func (m *metrics) suspended(endpoint string) {
	if m == nil {
		return
	}
	m.suspensions.WithLabelValues(endpoint).Inc()
}

func (m *metrics) connected() {
	if m == nil {
		return
	}
	m.activeTransports.Inc()
}

func (m *metrics) disconnected() {
	if m == nil {
		return
	}
	m.activeTransports.Dec()
}

func (m *metrics) batchDone(mode Mode) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(string(mode)).Inc()
}

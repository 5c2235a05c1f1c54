package natsclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cvmkit/metric"
)

// clientMetrics tracks connection status and request outcomes. A nil
// *clientMetrics records nothing.
type clientMetrics struct {
	status          prometheus.Gauge
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
}

func newClientMetrics(registry *metric.MetricsRegistry, url string) (*clientMetrics, error) {
	labels := prometheus.Labels{"url": url}

	m := &clientMetrics{
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cvm",
			Subsystem:   "nats",
			Name:        "connection_status",
			Help:        "Connection status (0=disconnected,1=connecting,2=connected,3=reconnecting,4=circuit_open)",
			ConstLabels: labels,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cvm",
			Subsystem:   "nats",
			Name:        "requests_total",
			Help:        "Request/reply exchanges by status",
			ConstLabels: labels,
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cvm",
			Subsystem:   "nats",
			Name:        "request_duration_seconds",
			Help:        "Request/reply round trip time",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
	}

	owner := "natsclient:" + url
	if err := registry.RegisterGauge(owner, "connection_status", m.status); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(owner, "requests_total", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterCollector(owner, "request_duration_seconds", m.requestDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *clientMetrics) recordStatus(s ConnectionStatus) {
	if m == nil {
		return
	}
	m.status.Set(float64(s))
}

func (m *clientMetrics) recordRequest(err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.requests.WithLabelValues(status).Inc()
	m.requestDuration.Observe(d.Seconds())
}

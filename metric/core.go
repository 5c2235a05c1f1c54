package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the runtime-level metrics shared by every component,
// connector and virtual machine of a process.
type Metrics struct {
	ComponentState   *prometheus.GaugeVec
	TasksSubmitted   *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	PortCalls        *prometheus.CounterVec
	PortCallDuration *prometheus.HistogramVec
	DirectoryOps     *prometheus.CounterVec
	DeploymentPhase  *prometheus.GaugeVec
	ErrorsTotal      *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all runtime metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cvm",
				Subsystem: "component",
				Name:      "state",
				Help:      "Component lifecycle state (0=created 1=started 2=executing 3=finalising 4=shutdown 5=shutdown_now 6=terminated)",
			},
			[]string{"component"},
		),

		TasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cvm",
				Subsystem: "tasks",
				Name:      "submitted_total",
				Help:      "Total tasks submitted to executor pools",
			},
			[]string{"component", "pool"},
		),

		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cvm",
				Subsystem: "tasks",
				Name:      "completed_total",
				Help:      "Total tasks completed by executor pools",
			},
			[]string{"component", "pool", "status"},
		),

		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cvm",
				Subsystem: "tasks",
				Name:      "duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"component", "pool"},
		),

		PortCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cvm",
				Subsystem: "port",
				Name:      "calls_total",
				Help:      "Total outbound port calls",
			},
			[]string{"port", "operation", "status"},
		),

		PortCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cvm",
				Subsystem: "port",
				Name:      "call_duration_seconds",
				Help:      "Outbound port call latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"port"},
		),

		DirectoryOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cvm",
				Subsystem: "directory",
				Name:      "requests_total",
				Help:      "Total bootstrap directory requests served",
			},
			[]string{"command", "status"},
		),

		DeploymentPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "cvm",
				Subsystem: "deployment",
				Name:      "phase",
				Help:      "Current CVM phase ordinal per site",
			},
			[]string{"site"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cvm",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total errors by origin and class",
			},
			[]string{"origin", "class"},
		),
	}
}

func (c *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		c.ComponentState,
		c.TasksSubmitted,
		c.TasksCompleted,
		c.TaskDuration,
		c.PortCalls,
		c.PortCallDuration,
		c.DirectoryOps,
		c.DeploymentPhase,
		c.ErrorsTotal,
	)
}

// All Record* methods are no-ops on a nil receiver so callers can hold an
// optional *Metrics without guarding every call.

// RecordComponentState updates the lifecycle state gauge
func (c *Metrics) RecordComponentState(component string, state int) {
	if c == nil {
		return
	}
	c.ComponentState.WithLabelValues(component).Set(float64(state))
}

// RecordTaskSubmitted increments the submitted task counter
func (c *Metrics) RecordTaskSubmitted(component, pool string) {
	if c == nil {
		return
	}
	c.TasksSubmitted.WithLabelValues(component, pool).Inc()
}

// RecordTaskCompleted records a finished task and its duration
func (c *Metrics) RecordTaskCompleted(component, pool string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.TasksCompleted.WithLabelValues(component, pool, status(err)).Inc()
	c.TaskDuration.WithLabelValues(component, pool).Observe(duration.Seconds())
}

// RecordPortCall records an outbound call through a port
func (c *Metrics) RecordPortCall(port, operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.PortCalls.WithLabelValues(port, operation, status(err)).Inc()
	c.PortCallDuration.WithLabelValues(port).Observe(duration.Seconds())
}

// RecordDirectoryOp records a directory command served
func (c *Metrics) RecordDirectoryOp(command string, err error) {
	if c == nil {
		return
	}
	c.DirectoryOps.WithLabelValues(command, status(err)).Inc()
}

// RecordDeploymentPhase updates the phase gauge for a site
func (c *Metrics) RecordDeploymentPhase(site string, phase int) {
	if c == nil {
		return
	}
	c.DeploymentPhase.WithLabelValues(site).Set(float64(phase))
}

// RecordError increments the error counter
func (c *Metrics) RecordError(origin, class string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(origin, class).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

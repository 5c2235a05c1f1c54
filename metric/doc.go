// Package metric wraps a Prometheus registry with the runtime metrics every
// cvmkit process records: component lifecycle state, executor pool task
// throughput and latency, outbound port calls, bootstrap directory traffic and
// the deployment phase reached by each site.
//
// A single MetricsRegistry is created per process and threaded through
// component.Runtime. Code holding only a *Metrics may call its Record methods
// without nil checks.
//
//	reg := metric.NewMetricsRegistry()
//	reg.CoreMetrics().RecordPortCall("client-out", "provide", nil, time.Millisecond)
//
//	srv := metric.NewServer(":9090", "", reg)
//	_ = srv.Start()
package metric

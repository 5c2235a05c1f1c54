package component

import (
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/c360/cvmkit/metric"
)

func testutilCount(reg *metric.MetricsRegistry, port, op string) float64 {
	return testutil.ToFloat64(reg.CoreMetrics().PortCalls.WithLabelValues(port, op, "success"))
}

package mcpgateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type gatewayMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newGatewayMetrics(reg prometheus.Registerer) (*gatewayMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &gatewayMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgateway",
			Name:      "tool_calls_total",
			Help:      "Tool calls forwarded upstream by server and result.",
		}, []string{"server", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpgateway",
			Name:      "tool_call_duration_seconds",
			Help:      "Latency of forwarded tool calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),
	}
	for _, c := range []prometheus.Collector{m.calls, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *gatewayMetrics) observeCall(server string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.calls.WithLabelValues(server, result).Inc()
	m.duration.WithLabelValues(server).Observe(elapsed.Seconds())
}

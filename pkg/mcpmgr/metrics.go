package mcpmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes manager activity as Prometheus series. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connections       *prometheus.GaugeVec
	connectAttempts   *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	reconnectExhausts *prometheus.CounterVec
	tools             prometheus.Gauge
}

// NewMetrics creates the manager collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpmgr",
			Name:      "connections",
			Help:      "Managed connections by status.",
		}, []string{"status"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpmgr",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by server and result.",
		}, []string{"server", "result"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpmgr",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by the supervisor.",
		}, []string{"server"}),
		reconnectExhausts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpmgr",
			Name:      "reconnect_exhausted_total",
			Help:      "Servers that ran out of reconnect attempts.",
		}, []string{"server"}),
		tools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpmgr",
			Name:      "tools",
			Help:      "Tools in the aggregated list.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.connectAttempts, m.reconnectAttempts, m.reconnectExhausts, m.tools)
	}
	return m
}

func (m *Metrics) observeConnect(server string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connectAttempts.WithLabelValues(server, result).Inc()
}

func (m *Metrics) observeReconnect(server string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(server).Inc()
}

func (m *Metrics) observeExhausted(server string) {
	if m == nil {
		return
	}
	m.reconnectExhausts.WithLabelValues(server).Inc()
}

// observeTable publishes the connection counts by status and the tool count.
func (m *Metrics) observeTable(byStatus map[ConnectionStatus]int, tools int) {
	if m == nil {
		return
	}
	for _, status := range []ConnectionStatus{StatusConnecting, StatusConnected} {
		m.connections.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
	m.tools.Set(float64(tools))
}

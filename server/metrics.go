package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"hostbridge/message"
)

// Metrics instruments one Dispatcher instance. Register against any
// prometheus.Registerer (the default registry, or a private one per test).
type Metrics struct {
	CommandsTotal  *prometheus.CounterVec
	ParseErrors    prometheus.Counter
	QueueDepth     prometheus.Gauge
	ActiveSessions prometheus.Gauge
}

// NewMetrics builds and registers the dispatcher metric set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "commands_total",
			Help:      "Commands executed by the drain worker, by type and outcome code.",
		}, []string{"type", "code"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostbridge",
			Name:      "parse_errors_total",
			Help:      "Frames that failed to parse as commands.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Name:      "queue_depth",
			Help:      "Commands waiting for the drain worker.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostbridge",
			Name:      "active_sessions",
			Help:      "Open client sessions.",
		}),
	}
	reg.MustRegister(m.CommandsTotal, m.ParseErrors, m.QueueDepth, m.ActiveSessions)
	return m
}

// ObserveCommand records one executed command. Successes count under the
// code "OK"; failures under their wire error code.
func (m *Metrics) ObserveCommand(cmdType string, resp *message.Response) {
	code := "OK"
	if !resp.IsSuccess() {
		code = resp.Code
	}
	m.CommandsTotal.WithLabelValues(cmdType, code).Inc()
}

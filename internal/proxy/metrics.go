package proxy

import "github.com/prometheus/client_golang/prometheus"

type serverMetrics struct {
	tunnelsOpened prometheus.Counter
	tunnelsFailed prometheus.Counter
	dialRetries   prometheus.Counter
	relayedBytes  prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{
		tunnelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_tunnels_opened_total",
			Help: "CONNECT tunnels successfully established.",
		}),
		tunnelsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_tunnels_failed_total",
			Help: "CONNECT requests answered with an error.",
		}),
		dialRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_dial_retries_total",
			Help: "Outbound dials retried against an alternate IP.",
		}),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_relayed_bytes_total",
			Help: "Bytes relayed through CONNECT tunnels, both directions.",
		}),
	}
}

func (m *serverMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.tunnelsOpened, m.tunnelsFailed, m.dialRetries, m.relayedBytes)
}

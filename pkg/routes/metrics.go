package routes

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/osmogr/meshtastic-pingbot/pkg/models"
	"github.com/osmogr/meshtastic-pingbot/pkg/nodedb"
)

// Metrics exposes the bot's state to Prometheus. The gauges are sampled at
// scrape time, the event counter ticks as entries pass through the fan-out.
type Metrics struct {
	radioConnected prometheus.GaugeFunc
	knownNodes     prometheus.GaugeFunc
	queueDepth     prometheus.GaugeFunc
	events         *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(radio RadioStatus, nodes *nodedb.DB, traces TraceStats) *Metrics {
	m := &Metrics{
		radioConnected: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pingbot_radio_connected",
			Help: "Whether the radio link is currently up",
		}, func() float64 {
			if radio.Connected() {
				return 1
			}
			return 0
		}),
		knownNodes: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pingbot_known_nodes",
			Help: "Number of nodes in the node database",
		}, func() float64 {
			return float64(nodes.Len())
		}),
		queueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pingbot_traceroute_queue_depth",
			Help: "Traceroute requests queued or in flight",
		}, func() float64 {
			return float64(traces.Snapshot().Pending)
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingbot_events_total",
			Help: "Bot events fanned out to the log, by severity",
		}, []string{"level"}),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.radioConnected,
		m.knownNodes,
		m.queueDepth,
		m.events,
	)

	return m
}

// Notify implements the fan-out sink so the counter sees every event.
func (m *Metrics) Notify(entry models.LogEntry) {
	m.events.WithLabelValues(string(entry.Level)).Inc()
}

// Close unregisters all metrics.
func (m *Metrics) Close() {
	prometheus.Unregister(m.radioConnected)
	prometheus.Unregister(m.knownNodes)
	prometheus.Unregister(m.queueDepth)
	prometheus.Unregister(m.events)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the control-plane collectors. All series are owned by the
// hub so the core components stay free of instrumentation plumbing.
type Metrics struct {
	// ConnectedAgents tracks live sessions.
	ConnectedAgents prometheus.Gauge

	// TelemetryRecords counts ingested records by kind and outcome
	// (new, duplicate, refreshed, dropped).
	TelemetryRecords *prometheus.CounterVec

	// Commands counts dispatch attempts by kind and outcome
	// (sent, queued, rejected).
	Commands *prometheus.CounterVec

	// QueueReplays counts queued commands delivered during reconnect replay.
	QueueReplays prometheus.Counter

	// PollTicks counts location-poll timer fires.
	PollTicks prometheus.Counter
}

// New registers the collectors on reg. A nil reg falls back to a private
// registry so tests can construct components without exporting anything.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ConnectedAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "muster_connected_agents",
			Help: "Number of agents with a live session.",
		}),
		TelemetryRecords: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "muster_telemetry_records_total",
			Help: "Telemetry records processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Commands: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "muster_commands_total",
			Help: "Command dispatch attempts, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		QueueReplays: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "muster_queue_replays_total",
			Help: "Queued commands delivered during reconnect replay.",
		}),
		PollTicks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "muster_poll_ticks_total",
			Help: "Location poll timer fires.",
		}),
	}
}

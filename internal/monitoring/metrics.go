package monitoring

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects every counted event in the control core. Components take
// a *Metrics at construction; a nil *Metrics is replaced with NewMetrics(nil)
// so counters are always safe to touch.
type Metrics struct {
	DroppedInputs    *prometheus.CounterVec
	Filtered         *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	StaleResets      *prometheus.CounterVec
	RecordsDropped   *prometheus.CounterVec
	Reconnects       prometheus.Counter
	RejectedUpdates  prometheus.Counter
	Conflicts        *prometheus.CounterVec
	Connections      *prometheus.GaugeVec
	GatewaySubmits   *prometheus.CounterVec
	GatewaySupersede prometheus.Counter
	TelemetryDropped prometheus.Counter
	JournalDropped   prometheus.Counter
}

// Reasons used on the records_dropped counter.
const (
	DropDisconnected = "disconnected"
	DropSuperseded   = "superseded"
)

// NewMetrics builds the collectors and registers them on reg. A nil reg keeps
// the collectors unregistered, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DroppedInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nozzle_dropped_inputs_total",
			Help: "Detection events rejected at the filter boundary.",
		}, []string{"nozzle", "reason"}),
		Filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nozzle_filtered_total",
			Help: "Filtered classifications emitted by the voting filter.",
		}, []string{"nozzle", "category"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nozzle_transitions_total",
			Help: "Accepted nozzle state transitions.",
		}, []string{"nozzle", "from", "to"}),
		StaleResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nozzle_stale_resets_total",
			Help: "Nozzles forced to clear because their input went stale.",
		}, []string{"nozzle"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_records_dropped_total",
			Help: "Control records dropped by the channel client instead of buffered.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channel_reconnects_total",
			Help: "Connection attempts made by the channel client after a failure.",
		}),
		RejectedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channel_rejected_updates_total",
			Help: "Control updates rejected for a non-increasing sequence number.",
		}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_conflicts_total",
			Help: "Merge ticks where more than one connection reported a nozzle.",
		}, []string{"nozzle"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "channel_connections",
			Help: "Server-side connections by lifecycle state.",
		}, []string{"state"}),
		GatewaySubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_submits_total",
			Help: "Commands submitted to the CAN gateway by result.",
		}, []string{"result"}),
		GatewaySupersede: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_superseded_total",
			Help: "Command sets abandoned part-way because a newer set arrived.",
		}),
		TelemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_push_dropped_total",
			Help: "Telemetry pushes skipped because a connection's send queue was full.",
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journal_commands_dropped_total",
			Help: "Dispatched commands not journaled because the journal queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DroppedInputs, m.Filtered, m.Transitions, m.StaleResets,
			m.RecordsDropped, m.Reconnects, m.RejectedUpdates, m.Conflicts,
			m.Connections, m.GatewaySubmits, m.GatewaySupersede, m.TelemetryDropped,
			m.JournalDropped,
		)
	}
	return m
}

// OrNew returns m, or a fresh unregistered Metrics when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}

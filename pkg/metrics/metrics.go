package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Process multiplexer metrics
	ProcessSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seedhost_process_sessions",
			Help: "Number of live node event subprocess sessions",
		},
	)

	ProcessSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedhost_process_spawns_total",
			Help: "Subprocess spawn attempts by result (ok, error, conflict, aborted)",
		},
		[]string{"result"},
	)

	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seedhost_stream_subscribers",
			Help: "Number of attached node event subscribers",
		},
	)

	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedhost_stream_events_total",
			Help: "Node event lines by result (delivered, malformed)",
		},
		[]string{"result"},
	)

	// Status monitor metrics
	MonitorSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "seedhost_monitor_sessions",
			Help: "Number of nodes currently being polled",
		},
	)

	StatusPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedhost_status_polls_total",
			Help: "Status polls by result (ok, error)",
		},
		[]string{"result"},
	)

	StatusChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seedhost_status_changes_total",
			Help: "Status change notifications published",
		},
	)

	// Orchestrator metrics
	ProvisioningTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seedhost_provisioning_total",
			Help: "Node provisioning attempts by result (ok, error, concurrent)",
		},
		[]string{"result"},
	)

	DriftRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seedhost_drift_recoveries_total",
			Help: "Nodes re-provisioned because their containers disappeared",
		},
	)

	ContainerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seedhost_container_op_duration_seconds",
			Help:    "Container runtime call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seedhost_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "seedhost_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	// Record metrics
	UsersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seedhost_users_total",
			Help: "Number of user records by state (active, inactive)",
		},
		[]string{"state"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seedhost_nodes_total",
			Help: "Number of live node records by state (started, never_started)",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(ProcessSessions)
	prometheus.MustRegister(ProcessSpawnsTotal)
	prometheus.MustRegister(StreamSubscribers)
	prometheus.MustRegister(StreamEventsTotal)
	prometheus.MustRegister(MonitorSessions)
	prometheus.MustRegister(StatusPollsTotal)
	prometheus.MustRegister(StatusChangesTotal)
	prometheus.MustRegister(ProvisioningTotal)
	prometheus.MustRegister(DriftRecoveriesTotal)
	prometheus.MustRegister(ContainerOpDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(UsersTotal)
	prometheus.MustRegister(NodesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nodewarden_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	UsersSynced = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nodewarden_users_synced",
			Help: "Number of users rendered into the last built configuration",
		},
	)

	// Sync metrics
	ConfigPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodewarden_config_pushes_total",
			Help: "Total number of full configuration pushes by result",
		},
		[]string{"result"},
	)

	DeltaPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodewarden_delta_pushes_total",
			Help: "Total number of batched credential delta pushes by result",
		},
		[]string{"result"},
	)

	DeltaBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodewarden_delta_batch_size",
			Help:    "Number of user changes coalesced into one delta push",
			Buckets: []float64{1, 5, 25, 100, 500, 2500},
		},
	)

	PushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodewarden_push_duration_seconds",
			Help:    "Full configuration push duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Supervision metrics
	ProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodewarden_probe_failures_total",
			Help: "Total number of failed health probes by node",
		},
		[]string{"node_id"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodewarden_reconnects_total",
			Help: "Total number of successful node reconnections",
		},
	)

	EngineRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodewarden_engine_restarts_total",
			Help: "Total number of engine restarts driven by the supervisor",
		},
	)

	// Usage metrics
	UsageCommittedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodewarden_usage_committed_bytes_total",
			Help: "Total usage bytes committed to storage by direction",
		},
		[]string{"direction"},
	)

	UsagePollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodewarden_usage_poll_duration_seconds",
			Help:    "Usage poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CounterResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodewarden_counter_resets_total",
			Help: "Total number of observed engine counter resets",
		},
	)

	// Scheduled task metrics
	TaskCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodewarden_task_cycles_total",
			Help: "Total number of scheduled task cycles by task",
		},
		[]string{"task"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(UsersSynced)
	prometheus.MustRegister(ConfigPushesTotal)
	prometheus.MustRegister(DeltaPushesTotal)
	prometheus.MustRegister(DeltaBatchSize)
	prometheus.MustRegister(PushDuration)
	prometheus.MustRegister(ProbeFailuresTotal)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(EngineRestartsTotal)
	prometheus.MustRegister(UsageCommittedBytes)
	prometheus.MustRegister(UsagePollDuration)
	prometheus.MustRegister(CounterResetsTotal)
	prometheus.MustRegister(TaskCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

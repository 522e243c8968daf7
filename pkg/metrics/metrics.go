package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flow_clusters_total",
			Help: "Total number of clusters by state",
		},
		[]string{"state"},
	)

	ShardsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flow_shards_total",
			Help: "Total number of gateway shards managed",
		},
	)

	GuildsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flow_guilds_total",
			Help: "Total number of guilds reported by all clusters",
		},
	)

	PlayersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flow_players_total",
			Help: "Total number of active voice players reported by all clusters",
		},
	)

	ClusterSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_cluster_spawns_total",
			Help: "Total number of child processes started per cluster",
		},
		[]string{"cluster"},
	)

	ClusterDeathsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_cluster_deaths_total",
			Help: "Total number of unexpected child exits per cluster",
		},
		[]string{"cluster"},
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flow_cluster_spawn_duration_seconds",
			Help:    "Time from spawn until the child reported ready",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
		},
	)

	// IPC metrics
	IPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_ipc_requests_total",
			Help: "Total number of correlated IPC requests by kind and result",
		},
		[]string{"kind", "result"},
	)

	IPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flow_ipc_request_duration_seconds",
			Help:    "IPC round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	BroadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flow_broadcast_eval_duration_seconds",
			Help:    "Duration of broadcast evaluations across clusters",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Heartbeat metrics
	HeartbeatsMissedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_heartbeats_missed_total",
			Help: "Total number of missed heartbeats per cluster",
		},
		[]string{"cluster"},
	)

	// Alert metrics
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flow_alerts_total",
			Help: "Total number of webhook alerts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(ShardsTotal)
	prometheus.MustRegister(GuildsTotal)
	prometheus.MustRegister(PlayersTotal)
	prometheus.MustRegister(ClusterSpawnsTotal)
	prometheus.MustRegister(ClusterDeathsTotal)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(IPCRequestsTotal)
	prometheus.MustRegister(IPCRequestDuration)
	prometheus.MustRegister(BroadcastDuration)
	prometheus.MustRegister(HeartbeatsMissedTotal)
	prometheus.MustRegister(AlertsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records the outcome of one IPC round trip started by t
func ObserveRequest(kind string, t *Timer, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	IPCRequestsTotal.WithLabelValues(kind, result).Inc()
	t.ObserveDurationVec(IPCRequestDuration, kind)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ark_requests_total",
			Help: "Total pipeline requests by terminal state",
		},
		[]string{"state"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ark_stage_duration_seconds",
			Help:    "Pipeline stage execution duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ark_stage_retries_total",
			Help: "Stage retries by stage name",
		},
		[]string{"stage"},
	)

	// Bus metrics
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ark_bus_messages_published_total",
			Help: "Messages published to the agent bus by kind",
		},
		[]string{"kind"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ark_bus_messages_dropped_total",
			Help: "Messages dropped by reason (overflow, ttl)",
		},
		[]string{"reason"},
	)

	// Error bus metrics
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ark_escalations_total",
			Help: "Error escalations by severity",
		},
		[]string{"severity"},
	)

	// Lattice metrics
	LatticeNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ark_lattice_nodes",
			Help: "Capability nodes in the lattice by kind",
		},
		[]string{"kind"},
	)

	LatticeWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ark_lattice_writes_total",
			Help: "Total lattice writes (puts and tombstones)",
		},
	)

	// Federation metrics
	PeersKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ark_federation_peers",
			Help: "Known peers by reachability",
		},
		[]string{"reachable"},
	)

	SyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ark_federation_syncs_total",
			Help: "Federation syncs by outcome (noop, delta, failed)",
		},
		[]string{"outcome"},
	)

	ConflictsResolved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ark_federation_conflicts_resolved_total",
			Help: "Conflicts resolved during delta application",
		},
	)

	SyncBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ark_federation_sync_bytes_total",
			Help: "Bytes exchanged during sync by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		StageDuration,
		StageRetries,
		MessagesPublished,
		MessagesDropped,
		EscalationsTotal,
		LatticeNodes,
		LatticeWrites,
		PeersKnown,
		SyncsTotal,
		ConflictsResolved,
		SyncBytes,
	)
}

// Timer measures a duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveStage records the elapsed time against the stage histogram.
func (t *Timer) ObserveStage(stage string) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(t.start).Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics HTTP server on addr. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
